package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"connector/internal/events"
	"connector/internal/policy"
)

// Config models connector.yml.
type Config struct {
	InstanceID    string `yaml:"instance_id"`
	ParticipantID string `yaml:"participant_id"`
	// Claims this connector presents to counter-parties.
	Claims map[string]any `yaml:"claims"`

	Store        StoreConfig        `yaml:"store"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Crawler      CrawlerConfig      `yaml:"crawler"`

	Policies map[string]policy.Policy `yaml:"policies"`
	// ClaimFunctions lists claim names usable as constraint left operands.
	ClaimFunctions []string         `yaml:"claim_functions"`
	Assets         map[string]Asset `yaml:"assets"`

	Dispatch DispatchConfig   `yaml:"dispatch"`
	Server   ServerConfig     `yaml:"server"`
	Webhooks []events.Webhook `yaml:"webhooks"`
	Log      LogConfig        `yaml:"log"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type StateMachineConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	WorkerCount   int           `yaml:"worker_count"`
	QueueCapacity int           `yaml:"queue_capacity"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// RetryLimit is the retries each state gets; 0 terminates on first failure.
	RetryLimit  int            `yaml:"retry_limit"`
	RetryLimits map[string]int `yaml:"retry_limits"`
}

type CrawlerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Schedule      string        `yaml:"schedule"`
	Interval      time.Duration `yaml:"interval"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Nodes         []Node        `yaml:"nodes"`
}

type Node struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Protocol string `yaml:"protocol"`
}

// Asset is a contract definition: the policy an asset is offered under.
type Asset struct {
	Description string `yaml:"description"`
	Policy      string `yaml:"policy"`
}

type DispatchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
	// PublicURL is the address counter-parties use to reach this connector.
	PublicURL string `yaml:"public_url"`
	DevAuth   bool   `yaml:"dev_auth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var drivers = map[string]bool{"sqlite": true, "bolt": true, "memory": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return fmt.Errorf("config.instance_id is required")
	}
	if !drivers[c.Store.Driver] {
		return fmt.Errorf("config.store.driver must be one of sqlite, bolt, memory; got %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.Path == "" {
		return fmt.Errorf("config.store.path is required for driver %s", c.Store.Driver)
	}
	sm := c.StateMachine
	for name, v := range map[string]int{
		"batch_size": sm.BatchSize, "worker_count": sm.WorkerCount, "queue_capacity": sm.QueueCapacity,
		"retry_limit": sm.RetryLimit,
	} {
		if v < 0 {
			return fmt.Errorf("config.state_machine.%s must not be negative", name)
		}
	}
	if sm.LeaseDuration < 0 || sm.RetryBackoff < 0 || sm.PollInterval < 0 || sm.ActionTimeout < 0 {
		return fmt.Errorf("config.state_machine durations must not be negative")
	}
	for state, n := range sm.RetryLimits {
		if n < 0 {
			return fmt.Errorf("config.state_machine.retry_limits.%s must not be negative", state)
		}
	}
	if c.Crawler.Schedule != "" {
		if _, err := cronexpr.Parse(c.Crawler.Schedule); err != nil {
			return fmt.Errorf("config.crawler.schedule: %w", err)
		}
	}
	for i, n := range c.Crawler.Nodes {
		if n.ID == "" || n.URL == "" {
			return fmt.Errorf("config.crawler.nodes[%d] requires id and url", i)
		}
	}
	for id, a := range c.Assets {
		if a.Policy == "" {
			return fmt.Errorf("asset %s has no policy", id)
		}
		if _, ok := c.Policies[a.Policy]; !ok {
			return fmt.Errorf("asset %s references unknown policy %s", id, a.Policy)
		}
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// PolicyForAsset returns the policy an asset is offered under.
func (c *Config) PolicyForAsset(assetID string) (policy.Policy, bool) {
	a, ok := c.Assets[assetID]
	if !ok {
		return policy.Policy{}, false
	}
	p, ok := c.Policies[a.Policy]
	if ok && p.ID == "" {
		p.ID = a.Policy
	}
	return p, ok
}

// Overlay applies environment and flag overrides bound on v. Only keys
// that are set take effect.
func (c *Config) Overlay(v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("instance_id", &c.InstanceID)
	setString("participant_id", &c.ParticipantID)
	setString("store.driver", &c.Store.Driver)
	setString("store.path", &c.Store.Path)
	setString("server.addr", &c.Server.Addr)
	setString("server.base_path", &c.Server.BasePath)
	setString("server.jwt_secret", &c.Server.JWTSecret)
	setString("server.public_url", &c.Server.PublicURL)
	setString("log.level", &c.Log.Level)
	setString("log.format", &c.Log.Format)
	if v.IsSet("state_machine.worker_count") {
		c.StateMachine.WorkerCount = v.GetInt("state_machine.worker_count")
	}
	if v.IsSet("state_machine.batch_size") {
		c.StateMachine.BatchSize = v.GetInt("state_machine.batch_size")
	}
	if v.IsSet("state_machine.lease_duration") {
		c.StateMachine.LeaseDuration = v.GetDuration("state_machine.lease_duration")
	}
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `instance_id: connector-1
participant_id: did:web:localhost
store:
  driver: sqlite
  path: connector.db
state_machine:
  batch_size: 20
  worker_count: 4
  queue_capacity: 40
  poll_interval: 1s
  lease_duration: 60s
  action_timeout: 30s
  retry_limit: 7
crawler:
  enabled: false
  interval: 5m
  item_timeout: 10s
  cache_ttl: 15m
  rate_per_second: 10
dispatch:
  timeout: 10s
  token_ttl: 5m
server:
  addr: 127.0.0.1:8181
  base_path: /v1
  public_url: http://127.0.0.1:8181
log:
  level: info
  format: text
`
