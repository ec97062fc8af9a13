package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"dealgate/internal/collab"
	"dealgate/internal/config"
	"dealgate/internal/db"
	"dealgate/internal/engine"
	"dealgate/internal/migrate"
	"dealgate/internal/notify"
	"dealgate/internal/observability"
	"dealgate/internal/worker"
)

const serviceName = "dealgate"

// Workspace is an opened workspace: the migrated database, the loaded config
// and an engine wired from both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine

	stopTracing func(context.Context) error
	stopHooks   context.CancelFunc
}

// Open prepares the workspace directory, applies migrations and builds the
// engine. A missing dealgate.yml falls back to the default config.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	eng, err := BuildEngine(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	stop, err := observability.InitTracing(ctx, serviceName, cfg.Tracing)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ws := &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng, stopTracing: stop}
	if len(cfg.Webhooks) > 0 {
		hookCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d := notify.NewDispatcher(eng.Repo, cfg.Webhooks, eng.Metrics)
		d.Logger = logger
		go d.Run(hookCtx, eng.Hub)
		ws.stopHooks = cancel
	}
	return ws, nil
}

// Close stops background delivery, flushes spans and closes the database.
func (w *Workspace) Close(ctx context.Context) error {
	if w.stopHooks != nil {
		w.stopHooks()
	}
	var errs []error
	if w.stopTracing != nil {
		errs = append(errs, w.stopTracing(ctx))
	}
	errs = append(errs, w.DB.Close())
	return errors.Join(errs...)
}

// BuildEngine wires the worker strategy and collaborators named in cfg.
func BuildEngine(conn *sql.DB, cfg *config.Config, logger *log.Logger) (engine.Engine, error) {
	inv, err := BuildInvoker(cfg)
	if err != nil {
		return engine.Engine{}, err
	}
	seed, err := collab.FromConfig(cfg.Collaborators.Seed, cfg.Pipeline.CollaboratorTimeout)
	if err != nil {
		return engine.Engine{}, fmt.Errorf("seed collaborators: %w", err)
	}
	secondary, err := collab.FromConfig(cfg.Collaborators.Secondary, cfg.Pipeline.CollaboratorTimeout)
	if err != nil {
		return engine.Engine{}, fmt.Errorf("secondary collaborators: %w", err)
	}
	e := engine.New(conn, cfg, inv)
	e.Seed = seed
	e.Secondary = secondary
	e.Logger = logger
	return e, nil
}

// BuildInvoker returns the worker backend selected by cfg.Worker. The API
// key is read from the environment variable the config names.
func BuildInvoker(cfg *config.Config) (worker.Invoker, error) {
	w := cfg.Worker
	apiKey := ""
	if name := strings.TrimSpace(w.APIKeyEnv); name != "" {
		apiKey = os.Getenv(name)
	}
	switch w.Kind {
	case "http":
		return worker.HTTPInvoker{Endpoint: w.Endpoint, APIKey: apiKey, Timeout: cfg.Pipeline.WorkerTimeout}, nil
	case "openai":
		return worker.NewOpenAIInvoker(apiKey, w.Endpoint, w.Model), nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", w.Kind)
	}
}
