package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dealgate/internal/app"
	"dealgate/internal/config"
	"dealgate/internal/db"
	"dealgate/internal/domain"
	"dealgate/internal/engine"
	"dealgate/internal/repo"
	"dealgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dg",
	Short: "Dealgate CLI",
	Long: `Dealgate turns a deal into a go/no-go decision gate by running worker waves over an event log.
Core concepts:
- Workspace: the .dealgate directory holding the event database, plus an optional dealgate.yml.
- Run: one decision attempt for a deal; statuses go created -> running -> done or failed_degraded.
- Waves: SEED collects evidence, ANALYSIS runs one worker per spec, SYNTHESIS reconciles hypotheses and the rubric, DECISION emits the gate.
- Event log: every fact a run produces; state is always rebuilt from it. View with 'dg log tail'.
- Resume: 'dg run resume' runs exactly one incomplete wave, so a cron job or HTTP poller can drive a run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Create and drive decision runs",
		Long:  "A run is one decision attempt for a deal. Start drives every wave in the foreground; resume runs the next incomplete wave and exits.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runStartCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runStateCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var deal domain.Deal
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run for a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				loaded, err := readDeal(file)
				if err != nil {
					return err
				}
				deal = mergeDeal(loaded, deal)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				run, err := ws.Engine.CreateRun(ctx, deal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Created run %s for deal %s\n", run.ID, run.DealID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&deal.ID, "deal-id", "", "deal id")
	cmd.Flags().StringVar(&deal.Name, "name", "", "deal name")
	cmd.Flags().StringVar(&deal.Description, "description", "", "deal description")
	cmd.Flags().StringVar(&deal.Sector, "sector", "", "sector")
	cmd.Flags().StringVar(&deal.Stage, "stage", "", "funding stage")
	cmd.Flags().StringVar(&deal.Website, "website", "", "website")
	cmd.Flags().StringVar(&file, "file", "", "YAML or JSON deal descriptor")
	return cmd
}

func runStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <run-id>",
		Short: "Drive a run through every wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Start(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	return cmd
}

func runResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Run the next incomplete wave",
		Long:  "Resume replays the run, runs exactly one incomplete wave and exits. Calling it while another scheduler holds the deal lock reports 'locked' and runs nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				run, err := ws.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var dealID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				runs, err := ws.Engine.ListRuns(ctx, dealID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deal", "Status", "Decision", "Created"})
				for _, r := range runs {
					decision := ""
					if r.Outcome != nil {
						decision = r.Outcome.Decision
						if r.Outcome.Degraded {
							decision += " (degraded)"
						}
					}
					tw.AppendRow(table.Row{r.ID, r.DealID, r.Status, decision, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal-id", "", "deal filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func runStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <run-id>",
		Short: "Replay a run's events into its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.State(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Run: %s (deal %s)\n", st.RunID, st.DealID)
				fmt.Printf("Events: %d  Evidence: %d  Errors: %d  Tool messages: %d\n",
					st.EventCount, len(st.Evidence), len(st.Errors), st.ToolMessages)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Role", "Status", "Retries", "Latency (ms)"})
				for _, id := range sortedKeys(st.Tasks) {
					t := st.Tasks[id]
					tw.AppendRow(table.Row{id, t.Role, t.Status, t.RetryCount, t.LatencyMS})
				}
				tw.Render()
				if st.Decision != nil {
					fmt.Printf("Decision: %s\n", st.Decision.Decision)
					for i, q := range st.Decision.GatingQuestions {
						fmt.Printf("  %d. %s\n", i+1, q)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The record of everything runs did: wave boundaries, task outputs, evidence, errors and decisions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, dealID, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.LatestEvents(ctx, n, 0, dealID, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Run", "Type"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.RunID, e.Type})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&dealID, "deal-id", "", "deal filter")
	cmd.Flags().StringVar(&runID, "run", "", "run filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "dealgate.yml selects the worker backend, analysis specs, collaborators, timeouts, webhooks and tracing. Without it the built-in defaults apply.",
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
		Short: "Write the default dealgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate dealgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return fmt.Errorf("--actor required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				key, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := ws.Engine.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": rec.ID, "actor_id": rec.ActorID, "name": rec.Name, "key": key})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", rec.ID, actor, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with DEALGATE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(os.Getenv("DEALGATE_JWT_SECRET"), actor, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DEALGATE_JWT_SECRET"), Disabled: noAuth, Logger: cliLogger()}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("DEALGATE_JWT_SECRET is required for bearer auth (or pass --no-auth on loopback)")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Dealgate API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (loopback only)")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), cliLogger())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := ws.Close(closeCtx); err != nil {
			cliLogger().Printf("close workspace: %v", err)
		}
	}()
	return fn(ctx, ws)
}

func cliLogger() *log.Logger {
	if viper.GetBool("verbose") {
		return log.New(os.Stderr, "dg: ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readDeal(path string) (domain.Deal, error) {
	var deal domain.Deal
	data, err := os.ReadFile(path)
	if err != nil {
		return deal, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &deal)
	default:
		err = yaml.Unmarshal(data, &deal)
	}
	if err != nil {
		return deal, fmt.Errorf("parse %s: %w", path, err)
	}
	return deal, nil
}

// mergeDeal lets flags override fields loaded from a file.
func mergeDeal(base, flags domain.Deal) domain.Deal {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.ID, flags.ID)
	set(&base.Name, flags.Name)
	set(&base.Description, flags.Description)
	set(&base.Sector, flags.Sector)
	set(&base.Stage, flags.Stage)
	set(&base.Website, flags.Website)
	return base
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		out := map[string]any{"status": res.Status, "stage": res.Stage, "run": res.Run}
		if res.State.Decision != nil {
			out["decision_gate"] = res.State.Decision
		}
		return printJSON(out)
	}
	fmt.Printf("Run %s: %s (next wave: %s, status: %s)\n", res.Run.ID, res.Status, res.Stage, res.Run.Status)
	if d := res.State.Decision; d != nil {
		fmt.Printf("Decision: %s\n", d.Decision)
		for i, q := range d.GatingQuestions {
			fmt.Printf("  %d. %s\n", i+1, q)
		}
	}
	if n := len(res.State.Errors); n > 0 {
		fmt.Printf("Degraded: %d error(s) recorded\n", n)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
