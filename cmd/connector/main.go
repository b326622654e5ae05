package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"connector/internal/app"
	"connector/internal/config"
	"connector/internal/db"
	"connector/internal/domain"
	"connector/internal/migrate"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/server"
	"connector/internal/store"
	"connector/internal/transfer"
)

var rootCmd = &cobra.Command{
	Use:   "connector",
	Short: "Data-sharing connector",
	Long: `connector negotiates contracts and runs data transfers with other connectors.
- Negotiations: a consumer requests an offer, the provider evaluates its policy and answers with an agreement.
- Transfers: run under a finalized agreement; the provider hands out a data address.
- Leases: every entity is processed by one instance at a time; inspect or break them with 'connector lease'.
- Catalog crawler: periodically collects the offers of configured peers.
Configuration lives in connector.yml; CONNECTOR_* environment variables and flags override it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONNECTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "connector.yml", "config file")
	flags.Bool("json", false, "output JSON")
	flags.String("instance-id", "", "instance id (overrides config)")
	flags.String("store-driver", "", "store driver: sqlite, bolt or memory")
	flags.String("store-path", "", "store file path")
	flags.String("log-level", "", "log level")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("instance_id", flags.Lookup("instance-id"))
	_ = viper.BindPFlag("store.driver", flags.Lookup("store-driver"))
	_ = viper.BindPFlag("store.path", flags.Lookup("store-path"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(negotiationCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(eventsCmd())
}

// loadConfig reads the config file, or the defaults when it does not exist,
// and applies environment and flag overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.FromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	cfg.Overlay(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return app.NewLogger(cfg.Log, os.Stderr)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the state machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret (CONNECTOR_SERVER_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Runtime:  rt,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, DevAuth: cfg.Server.DevAuth, Logger: rt.Logger},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return rt.Start(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Logger.InfoContext(ctx, "serving connector API", "addr", addr, "base_path", cfg.Server.BasePath, "openapi", cfg.Server.BasePath+"/openapi.json", "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "sqlite" {
				fmt.Printf("store driver %s has no schema to migrate\n", cfg.Store.Driver)
				return nil
			}
			conn, err := db.Open(db.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": n, "path": db.Path(db.Config{Path: cfg.Store.Path})})
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect connector.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Server.JWTSecret != "" {
				shown.Server.JWTSecret = "***"
			}
			return printJSONOrTable(shown)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func negotiationCmd() *cobra.Command {
	neg := &cobra.Command{
		Use:     "negotiation",
		Aliases: []string{"neg"},
		Short:   "Manage contract negotiations",
	}
	neg.AddCommand(negotiationRequestCmd())
	neg.AddCommand(negotiationShowCmd())
	neg.AddCommand(negotiationListCmd())
	neg.AddCommand(negotiationTerminateCmd())
	return neg
}

func negotiationRequestCmd() *cobra.Command {
	var in negotiation.RequestInput
	var policyFile string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an offer from a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyFile != "" {
				data, err := os.ReadFile(policyFile)
				if err != nil {
					return err
				}
				p, err := policy.Parse(data)
				if err != nil {
					return err
				}
				in.Offer.Policy = p
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Negotiations.Request(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&in.CounterPartyID, "counter-party-id", "", "provider participant id")
	cmd.Flags().StringVar(&in.CounterPartyAddress, "address", "", "provider protocol address")
	cmd.Flags().StringVar(&in.Protocol, "protocol", "", "protocol (default dsp-http)")
	cmd.Flags().StringVar(&in.Offer.ID, "offer-id", "", "offer id")
	cmd.Flags().StringVar(&in.Offer.AssetID, "asset", "", "asset id")
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "offer policy (JSON or YAML)")
	_ = cmd.MarkFlagRequired("counter-party-id")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}

func negotiationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a negotiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Negotiations.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func negotiationListCmd() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List negotiations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.criteria(negotiation.States)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Negotiations.List(ctx, c, f.limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Role", "State", "Retries", "Counter-party", "Asset", "Updated"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Role, n.StateName(), n.StateCount, n.CounterPartyID, n.Offer.AssetID, n.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func negotiationTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate a negotiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res := rt.Negotiations.Terminate(ctx, args[0], reason)
				if !res.Succeeded() {
					return fmt.Errorf("%s: %s", res.Status, res.Message)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason sent to the counter-party")
	return cmd
}

func transferCmd() *cobra.Command {
	tp := &cobra.Command{
		Use:   "transfer",
		Short: "Manage transfer processes",
	}
	tp.AddCommand(transferStartCmd())
	tp.AddCommand(transferShowCmd())
	tp.AddCommand(transferListCmd())
	tp.AddCommand(transferCompleteCmd())
	tp.AddCommand(transferTerminateCmd())
	return tp
}

func transferStartCmd() *cobra.Command {
	var in transfer.StartInput
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a transfer under a finalized agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Transfers.Start(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.AgreementID, "agreement", "", "agreement id")
	cmd.Flags().StringToStringVar(&in.DataDestination, "dest", nil, "data destination properties (key=value)")
	_ = cmd.MarkFlagRequired("agreement")
	return cmd
}

func transferShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Transfers.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func transferListCmd() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.criteria(transfer.States)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Transfers.List(ctx, c, f.limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Role", "State", "Retries", "Agreement", "Asset", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Role, transfer.States.Name(t.State), t.StateCount, t.AgreementID, t.AssetID, t.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func transferCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a started transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res := rt.Transfers.Complete(ctx, args[0])
				if !res.Succeeded() {
					return fmt.Errorf("%s: %s", res.Status, res.Message)
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func transferTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res := rt.Transfers.Terminate(ctx, args[0], reason)
				if !res.Succeeded() {
					return fmt.Errorf("%s: %s", res.Status, res.Message)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason sent to the counter-party")
	return cmd
}

func leaseCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and break entity leases",
		Long:  "A lease marks an entity as being processed by one instance. Kind is negotiation or transfer.",
	}
	l.AddCommand(&cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show the active lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(cmd.Context(), args[0], func(ctx context.Context, admin app.LeaseAdmin) error {
				lease, err := admin.Lease(ctx, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(lease)
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "break <kind> <id>",
		Short: "Break the lease so another instance can pick the entity up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(cmd.Context(), args[0], func(ctx context.Context, admin app.LeaseAdmin) error {
				if err := admin.BreakLease(ctx, args[1]); err != nil {
					return err
				}
				fmt.Printf("lease on %s %s broken\n", args[0], args[1])
				return nil
			})
		},
	})
	return l
}

func withLeases(ctx context.Context, kind string, fn func(context.Context, app.LeaseAdmin) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		admin, ok := rt.Leases(kind)
		if !ok {
			return fmt.Errorf("unknown entity kind %q (want negotiation or transfer)", kind)
		}
		return fn(ctx, admin)
	})
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Work with usage policies",
	}
	p.AddCommand(policyEvalCmd())
	return p
}

func policyEvalCmd() *cobra.Command {
	var policyID, file, scope, action, identity string
	var claims map[string]string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a policy against a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var pol policy.Policy
				switch {
				case file != "":
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					parsed, err := policy.Parse(data)
					if err != nil {
						return err
					}
					pol = parsed
				case policyID != "":
					found, ok := rt.Config.Policies[policyID]
					if !ok {
						return fmt.Errorf("policy %s: %w", policyID, store.ErrNotFound)
					}
					if found.ID == "" {
						found.ID = policyID
					}
					pol = found
				default:
					return fmt.Errorf("--policy or --file required")
				}
				agent := policy.ParticipantAgent{Identity: identity, Claims: map[string]any{}}
				for k, v := range claims {
					agent.Claims[k] = v
				}
				var extra map[string]any
				if action != "" {
					extra = map[string]any{policy.ActionKey: action}
				}
				decision, err := rt.Policies.Decide(ctx, scope, pol, agent, extra)
				out := map[string]any{"allowed": err == nil}
				var ee *policy.EvaluationError
				switch {
				case errors.As(err, &ee):
					out["error"] = ee.Err.Error()
					out["problems"] = ee.Problems
				case err != nil:
					return err
				default:
					out["obligations"] = len(decision.Obligations)
					out["problems"] = decision.Problems
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&policyID, "policy", "", "policy id from the config")
	cmd.Flags().StringVar(&file, "file", "", "policy document (JSON or YAML)")
	cmd.Flags().StringVar(&scope, "scope", policy.ScopeRequest, "evaluation scope")
	cmd.Flags().StringVar(&action, "action", "", "requested action")
	cmd.Flags().StringVar(&identity, "identity", "", "participant identity")
	cmd.Flags().StringToStringVar(&claims, "claim", nil, "participant claims (key=value)")
	return cmd
}

func crawlCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "crawl",
		Short: "Collect peer catalogs",
	}
	c.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single crawl cycle and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				outcomes, err := rt.Crawler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rt.Crawler.Cache.All())
				}
				tw := newTable(table.Row{"Node", "Offers", "Error"})
				for _, o := range outcomes {
					msg := ""
					if o.Err != nil {
						msg = o.Err.Error()
					}
					tw.AppendRow(table.Row{o.Item.Node.ID, len(o.Catalog.Offers), msg})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func eventsCmd() *cobra.Command {
	var cursor int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List state change events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Events.EventsAfter(ctx, cursor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "only events after this id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

type listFlags struct {
	state string
	role  string
	limit int
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.state, "state", "", "state name filter")
	cmd.Flags().StringVar(&f.role, "role", "", "role filter (consumer or provider)")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum items")
}

func (f listFlags) criteria(states domain.StateSet) (store.Criteria, error) {
	c := store.Criteria{Role: f.role}
	if f.state != "" {
		code, ok := states.Code(strings.ToUpper(f.state))
		if !ok {
			return c, fmt.Errorf("unknown %s state %q (want one of %s)", states.Kind, f.state, strings.Join(stateNames(states), ", "))
		}
		c.States = []int{code}
	}
	return c, nil
}

func stateNames(states domain.StateSet) []string {
	var names []string
	for _, code := range states.Codes() {
		names = append(names, states.Name(code))
	}
	return names
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return printFields(os.Stdout, v)
}

// printFields renders a flat key/value table of v's JSON form.
func printFields(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	for _, k := range keys {
		val := fields[k]
		switch val.(type) {
		case map[string]any, []any:
			nested, _ := json.Marshal(val)
			val = string(nested)
		}
		tw.AppendRow(table.Row{k, val})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
