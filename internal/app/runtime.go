// Package app builds the connector runtime from configuration. The Runtime
// is constructed once and handed explicitly to the API and CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"connector/internal/command"
	"connector/internal/config"
	"connector/internal/crawler"
	"connector/internal/db"
	"connector/internal/dispatch"
	"connector/internal/domain"
	"connector/internal/events"
	"connector/internal/identity"
	"connector/internal/migrate"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/statemachine"
	"connector/internal/store"
	"connector/internal/store/boltstore"
	"connector/internal/store/sqlstore"
	"connector/internal/transfer"
)

// Event types appended on every saved state change.
const (
	EventNegotiationState = "negotiation.state_changed"
	EventTransferState    = "transfer.state_changed"
)

// LeaseAdmin inspects and breaks leases of one entity kind.
type LeaseAdmin interface {
	Lease(ctx context.Context, id string) (domain.Lease, error)
	BreakLease(ctx context.Context, id string) error
}

type runner interface {
	Run(ctx context.Context) error
	Kind() string
}

type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Events      events.Log
	Policies    *policy.Engine
	Commands    *command.Registry
	Dispatchers *dispatch.Registry
	Issuer      identity.Issuer

	NegotiationStore store.Store[*negotiation.Negotiation]
	TransferStore    store.Store[*transfer.Transfer]
	Negotiations     *negotiation.Service
	Transfers        *transfer.Service

	Crawler *crawler.Crawler

	managers []runner
	webhooks *events.Dispatcher
	closers  []func() error
}

// Option adjusts a Runtime before its components are built.
type Option func(*options)

type options struct {
	now        func() time.Time
	httpClient *http.Client
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithHTTPClient sets the client used for dispatch, crawling and webhooks.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// New opens the configured store and wires every component.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance", cfg.InstanceID)
	r := &Runtime{Config: cfg, Logger: logger, Commands: command.NewRegistry()}

	negOpts := store.Options{Kind: negotiation.Kind, Owner: cfg.InstanceID, LeaseDuration: cfg.StateMachine.LeaseDuration, Now: o.now}
	tpOpts := store.Options{Kind: transfer.Kind, Owner: cfg.InstanceID, LeaseDuration: cfg.StateMachine.LeaseDuration, Now: o.now}
	if err := r.openStores(ctx, negOpts, tpOpts, o.now); err != nil {
		r.Close()
		return nil, err
	}

	reg := policy.NewRegistry()
	if err := policy.RegisterDefaults(reg); err != nil {
		r.Close()
		return nil, err
	}
	if err := policy.RegisterClaimFunctions(reg, cfg.ClaimFunctions...); err != nil {
		r.Close()
		return nil, err
	}
	r.Policies = policy.NewEngine(reg, policy.WithLogger(logger), policy.WithClock(o.now))

	r.Issuer = identity.Issuer{
		Secret:  cfg.Server.JWTSecret,
		Subject: cfg.ParticipantID,
		Claims:  cfg.Claims,
		TTL:     cfg.Dispatch.TokenTTL,
		Now:     o.now,
	}
	r.Dispatchers = dispatch.NewRegistry()
	r.Dispatchers.Register(dispatch.DefaultProtocol, &dispatch.HTTPDispatcher{
		Client:  o.httpClient,
		Timeout: cfg.Dispatch.Timeout,
		Tokens:  r.Issuer.Token,
		Sender:  cfg.ParticipantID,
	})

	if err := r.wireNegotiations(o.now); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.wireTransfers(o.now); err != nil {
		r.Close()
		return nil, err
	}
	r.wireCrawler(o)

	if len(cfg.Webhooks) > 0 {
		r.webhooks = &events.Dispatcher{
			Log:      r.Events,
			Webhooks: cfg.Webhooks,
			Instance: cfg.InstanceID,
			Client:   o.httpClient,
			Logger:   logger,
		}
	}
	return r, nil
}

func (r *Runtime) openStores(ctx context.Context, negOpts, tpOpts store.Options, now func() time.Time) error {
	cfg := r.Config
	switch cfg.Store.Driver {
	case "sqlite":
		conn, err := db.Open(db.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		r.closers = append(r.closers, conn.Close)
		n, err := migrate.Migrate(ctx, conn)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			r.Logger.InfoContext(ctx, "applied migrations", "count", n)
		}
		return r.openSQL(conn, negOpts, tpOpts, now)
	case "bolt":
		bdb, err := boltstore.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, bdb.Close)
		return r.openBolt(bdb, negOpts, tpOpts, now)
	default:
		neg, err := store.NewMemory[*negotiation.Negotiation](negOpts)
		if err != nil {
			return err
		}
		tp, err := store.NewMemory[*transfer.Transfer](tpOpts)
		if err != nil {
			return err
		}
		r.NegotiationStore, r.TransferStore = neg, tp
		r.Events = &events.MemoryLog{Now: now}
		return nil
	}
}

func (r *Runtime) openSQL(conn *sql.DB, negOpts, tpOpts store.Options, now func() time.Time) error {
	neg, err := sqlstore.New[*negotiation.Negotiation](conn, "contract_negotiations", negOpts)
	if err != nil {
		return err
	}
	tp, err := sqlstore.New[*transfer.Transfer](conn, "transfer_processes", tpOpts)
	if err != nil {
		return err
	}
	r.NegotiationStore, r.TransferStore = neg, tp
	r.Events = events.SQLLog{DB: conn, Now: now}
	return nil
}

func (r *Runtime) openBolt(bdb *bolt.DB, negOpts, tpOpts store.Options, now func() time.Time) error {
	neg, err := boltstore.New[*negotiation.Negotiation](bdb, negOpts)
	if err != nil {
		return err
	}
	tp, err := boltstore.New[*transfer.Transfer](bdb, tpOpts)
	if err != nil {
		return err
	}
	r.NegotiationStore, r.TransferStore = neg, tp
	r.Events = &events.MemoryLog{Now: now}
	return nil
}

// machineConfig maps the state_machine section onto one kind.
func (r *Runtime) machineConfig(states domain.StateSet, role string, now func() time.Time) statemachine.Config {
	sm := r.Config.StateMachine
	limits := make(map[int]int)
	for name, n := range sm.RetryLimits {
		if code, ok := states.Code(strings.ToUpper(name)); ok {
			limits[code] = n
		}
	}
	retryLimit := sm.RetryLimit
	if retryLimit == 0 {
		retryLimit = statemachine.NoRetries
	}
	return statemachine.Config{
		States:        states,
		Role:          role,
		BatchSize:     sm.BatchSize,
		Workers:       sm.WorkerCount,
		QueueCapacity: sm.QueueCapacity,
		PollInterval:  sm.PollInterval,
		ActionTimeout: sm.ActionTimeout,
		RetryBackoff:  sm.RetryBackoff,
		RetryLimit:    retryLimit,
		RetryLimits:   limits,
		Clock:         statemachine.Clock{Now: now},
		Logger:        r.Logger.With("role", role),
	}
}

func (r *Runtime) callbackAddress() string {
	return strings.TrimRight(r.Config.Server.PublicURL, "/") + r.Config.Server.BasePath
}

func (r *Runtime) wireNegotiations(now func() time.Time) error {
	st := r.NegotiationStore
	if err := negotiation.RegisterCommands(r.Commands, st, now, r.Logger); err != nil {
		return err
	}
	procs := &negotiation.Processes{
		Policies:        r.Policies,
		Dispatch:        r.Dispatchers,
		ParticipantID:   r.Config.ParticipantID,
		CallbackAddress: r.callbackAddress(),
		Now:             now,
	}
	for _, role := range []string{domain.RoleConsumer, domain.RoleProvider} {
		m, err := statemachine.New[*negotiation.Negotiation](st, r.machineConfig(negotiation.States, role, now))
		if err != nil {
			return err
		}
		if err := procs.Register(m, role); err != nil {
			return err
		}
		m.OnTransition(func(ctx context.Context, n *negotiation.Negotiation, from, to int) {
			r.recordTransition(ctx, EventNegotiationState, negotiation.States, n.Base(), from, to)
		})
		r.managers = append(r.managers, m)
	}
	r.Negotiations = &negotiation.Service{
		Store:    st,
		Commands: r.Commands,
		Assets:   r.Config.PolicyForAsset,
		Logger:   r.Logger,
	}
	return nil
}

func (r *Runtime) wireTransfers(now func() time.Time) error {
	st := r.TransferStore
	if err := transfer.RegisterCommands(r.Commands, st, now, r.Logger); err != nil {
		return err
	}
	procs := &transfer.Processes{
		Policies:        r.Policies,
		Dispatch:        r.Dispatchers,
		CallbackAddress: r.callbackAddress(),
		DataBaseURL:     r.callbackAddress() + "/data",
	}
	for _, role := range []string{domain.RoleConsumer, domain.RoleProvider} {
		m, err := statemachine.New[*transfer.Transfer](st, r.machineConfig(transfer.States, role, now))
		if err != nil {
			return err
		}
		if err := procs.Register(m, role); err != nil {
			return err
		}
		m.OnTransition(func(ctx context.Context, t *transfer.Transfer, from, to int) {
			r.recordTransition(ctx, EventTransferState, transfer.States, t.Base(), from, to)
		})
		r.managers = append(r.managers, m)
	}
	r.Transfers = &transfer.Service{
		Store:    st,
		Commands: r.Commands,
		Agreements: func(ctx context.Context, agreementID string) (*negotiation.Negotiation, error) {
			return negotiation.FindAgreement(ctx, r.NegotiationStore, agreementID)
		},
		Logger: r.Logger,
	}
	return nil
}

func (r *Runtime) wireCrawler(o options) {
	cc := r.Config.Crawler
	orch := &crawler.Orchestrator{
		ItemTimeout:     cc.ItemTimeout,
		DefaultProtocol: dispatch.DefaultProtocol,
		Logger:          r.Logger.With("component", "crawler"),
	}
	if cc.RatePerSecond > 0 {
		orch.Limiter = rate.NewLimiter(rate.Limit(cc.RatePerSecond), 1)
	}
	orch.RegisterAdapter(dispatch.DefaultProtocol, &crawler.HTTPAdapter{
		Client: o.httpClient,
		Token:  r.Issuer.Token,
		Now:    o.now,
	})
	nodes := make(crawler.StaticDirectory, 0, len(cc.Nodes))
	for _, n := range cc.Nodes {
		nodes = append(nodes, crawler.Node{ID: n.ID, URL: n.URL, Protocol: n.Protocol})
	}
	r.Crawler = &crawler.Crawler{
		Orchestrator: orch,
		Directory:    nodes,
		Cache:        &crawler.CatalogCache{TTL: cc.CacheTTL, Now: o.now},
		Logger:       orch.Logger,
	}
}

func (r *Runtime) recordTransition(ctx context.Context, evtType string, states domain.StateSet, e *domain.Entity, from, to int) {
	payload := events.Payload{
		"from":        states.Name(from),
		"to":          states.Name(to),
		"role":        e.Role,
		"state_count": e.StateCount,
	}
	if e.ErrorDetail != "" {
		payload["error_detail"] = e.ErrorDetail
	}
	if err := r.Events.Append(context.WithoutCancel(ctx), evtType, states.Kind, e.ID, r.Config.InstanceID, payload); err != nil {
		r.Logger.WarnContext(ctx, "append event failed", "kind", states.Kind, "id", e.ID, "error", err)
	}
}

// Leases returns the lease admin for an entity kind. Both the kind name and
// its short form ("negotiation", "transfer") are accepted.
func (r *Runtime) Leases(kind string) (LeaseAdmin, bool) {
	switch kind {
	case negotiation.Kind, "negotiation":
		return r.NegotiationStore, true
	case transfer.Kind, "transfer":
		return r.TransferStore, true
	}
	return nil, false
}

// Catalog is this connector's own offer list, one offer per asset.
func (r *Runtime) Catalog() crawler.Catalog {
	cat := crawler.Catalog{ParticipantID: r.Config.ParticipantID, Offers: []crawler.Offer{}}
	for id := range r.Config.Assets {
		p, ok := r.Config.PolicyForAsset(id)
		if !ok {
			continue
		}
		cat.Offers = append(cat.Offers, crawler.Offer{ID: id + ":" + p.ID, AssetID: id, Policy: p})
	}
	sortOffers(cat.Offers)
	return cat
}

// Start runs the state machines, the crawler schedule and webhook delivery
// until ctx is done or one of them fails.
func (r *Runtime) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.managers {
		g.Go(func() error {
			if err := m.Run(gctx); err != nil {
				return fmt.Errorf("%s state machine: %w", m.Kind(), err)
			}
			return nil
		})
	}
	cc := r.Config.Crawler
	if cc.Enabled {
		sched, err := crawler.NewScheduler(cc.Schedule, cc.Interval)
		if err != nil {
			return err
		}
		sched.Logger = r.Crawler.Logger
		g.Go(func() error { return r.Crawler.Run(gctx, sched) })
	}
	if r.webhooks != nil {
		g.Go(func() error { return r.webhooks.Run(gctx) })
	}
	r.Logger.InfoContext(ctx, "runtime started", "managers", len(r.managers), "crawler", cc.Enabled, "webhooks", len(r.Config.Webhooks))
	return g.Wait()
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func sortOffers(offers []crawler.Offer) {
	sort.Slice(offers, func(i, j int) bool { return offers[i].AssetID < offers[j].AssetID })
}
