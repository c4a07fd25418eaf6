// weaved is the agent network kernel daemon: one process hosting the HTTP/WS
// gateway, the actor relay and, unless RELAY points elsewhere, the key
// directory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/weavenet/weave/internal/actor"
	"github.com/weavenet/weave/internal/config"
	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/gateway"
	"github.com/weavenet/weave/internal/identity"
	"github.com/weavenet/weave/internal/metrics"
	"github.com/weavenet/weave/internal/relay"
	"github.com/weavenet/weave/internal/runtime"
	"github.com/weavenet/weave/internal/scheduler"
	"github.com/weavenet/weave/internal/state"
	"github.com/weavenet/weave/internal/store"
)

func main() {
	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if missing := cfg.Missing(); len(missing) > 0 {
		slog.Warn("Missing required bindings, /health will report them", "missing", missing)
	}

	db, err := state.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	var (
		dir      identity.Directory
		localDir *relay.LocalDirectory
	)
	if cfg.Relay != "" {
		dir = relay.NewHTTPDirectory(cfg.Relay)
		slog.Info("Using remote directory", "relay", cfg.Relay)
	} else {
		localDir = relay.NewLocalDirectory()
		dir = localDir
	}

	m, registry := metrics.New()

	sched := scheduler.New()
	defer sched.Close()

	rl := relay.New(actor.Deps{
		DB:        db,
		Store:     st,
		Bus:       bus,
		Directory: dir,
		Scheduler: sched,
		Runtime:   runtimeFactory(cfg),
		Metrics:   m,
	})
	defer rl.Close()

	g := gateway.New(gateway.Options{
		Config:    cfg,
		Relay:     rl,
		Store:     st,
		Bus:       bus,
		Directory: localDir,
		Metrics:   m,
		Registry:  registry,
	})
	defer g.Close()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      g.Router(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server shutdown", "error", err)
	}
	return nil
}

// openStore selects Postgres when DATABASE_URL is set, in-memory otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL unset, records are in-memory and lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Record store", "backend", "postgres")
	return pg, func() { pg.Close() }, nil
}

// openBus selects Redis fan-out when REDIS_ADDR is set, in-process otherwise.
func openBus(cfg *config.Config) (events.Bus, func(), error) {
	if cfg.RedisAddr == "" {
		bus := events.NewLocalBus()
		return bus, func() { bus.Close() }, nil
	}
	bus, err := events.NewRedisBus(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), "")
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Event bus", "backend", "redis", "addr", cfg.RedisAddr)
	return bus, func() { bus.Close() }, nil
}

// runtimeFactory wires the LLM provider, falling back to the scripted echo
// runtime so the kernel stays usable without credentials.
func runtimeFactory(cfg *config.Config) runtime.Factory {
	if cfg.LLMAPIKey == "" {
		slog.Warn("OPENROUTER_API_KEY unset, using scripted echo runtime")
		return runtime.NewScripted().Factory()
	}
	return runtime.NewOpenAIFactory(runtime.OpenAIOptions{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
	})
}
