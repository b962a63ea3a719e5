package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/parley/internal/api"
	"github.com/manpreetbhatti/parley/internal/compaction"
	"github.com/manpreetbhatti/parley/internal/config"
	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/eventbus"
	"github.com/manpreetbhatti/parley/internal/interview"
	"github.com/manpreetbhatti/parley/internal/ratelimit"
	"github.com/manpreetbhatti/parley/internal/scenery"
	"github.com/manpreetbhatti/parley/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the parley server",
		Long:  "Serves the room API, the WebSocket and SSE feeds, and runs interview turns until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func openBus(ctx context.Context, cfg *config.Config) (*eventbus.Bus, error) {
	if !cfg.Redis.Enabled {
		return eventbus.NewInMemory(log.Logger), nil
	}
	return eventbus.NewRedis(ctx, eventbus.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, log.Logger)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	database, err := db.New(cfg.Server.DBPath)
	if err != nil {
		return errors.Wrap(err, "initialize database")
	}
	defer database.Close()

	catalog, err := scenery.NewCatalog(cfg.Sceneries...)
	if err != nil {
		return errors.Wrap(err, "load sceneries")
	}

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open event bus")
	}
	defer bus.Close()

	// The hub outlives ctx so shutdown events still reach open feeds.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(database)
	go hub.Run(hubCtx)
	if err := bus.Subscribe(hubCtx, hub.Publish); err != nil {
		return errors.Wrap(err, "subscribe hub")
	}

	engine := interview.New(database, bus, catalog, interview.Config{TokenDelay: cfg.Server.TokenDelay})

	limiters := ratelimit.NewLimiters(cfg.Server.AnswerRate, cfg.Server.AnswerBurst)
	defer limiters.Stop()

	if !cfg.Server.Compaction.Disabled {
		compactor := compaction.New(database, compaction.Config{
			Interval:  cfg.Server.Compaction.Interval,
			MinEvents: cfg.Server.Compaction.MinEvents,
		})
		compactor.Start()
		defer compactor.Stop()
	}

	handlers := api.New(hub, database, engine, catalog, limiters)
	mux := http.NewServeMux()
	handlers.Routes(mux)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.CORSMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("db", cfg.Server.DBPath).
		Bool("redis", cfg.Redis.Enabled).
		Int("sceneries", len(catalog.List())).
		Msg("parley server starting")
	log.Debug().Msg("endpoints: /ws?room={id}&fromOffset={n}, /api/rooms/{id}/events, /api/rooms/{id}/answer, /api/rooms/{id}/cancel, /api/rooms, /api/sceneries, /api/stats, /health")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			engine.Close()
			return errors.Wrap(err, "listen")
		}
	}

	log.Info().Msg("shutting down server")

	// Running turns end with turn_cancelled before the feeds close.
	engine.Close()
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
