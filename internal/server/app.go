package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mistakeknot/intercom/internal/config"
	"github.com/mistakeknot/intercom/internal/coord"
	httpapi "github.com/mistakeknot/intercom/internal/http"
	"github.com/mistakeknot/intercom/internal/storage"
	"github.com/mistakeknot/intercom/internal/storage/sqlite"
	"github.com/mistakeknot/intercom/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// App is a fully wired coordination server: resilient SQLite store,
// coordination service, websocket hub, expiry sweeper and HTTP router.
type App struct {
	Store   *sqlite.ResilientStore
	Service *coord.Service
	Hub     *ws.Hub
	Handler http.Handler

	cfg     config.Config
	sweeper *storage.Sweeper
	logger  *slog.Logger
}

// NewApp opens the database named in cfg and wires every component.
func NewApp(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := sqlite.Open(cfg.Database.Path, sqlite.Options{
		Logger:             logger,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(raw)
	hub := ws.NewHub().WithLogger(logger)
	svc := coord.NewService(store).
		WithBroadcaster(hub).
		WithLogger(logger).
		WithDefaultTTL(cfg.Reservations.DefaultTTL.Duration)
	hub.WithActiveChecker(svc)
	api := httpapi.NewService(svc).WithLogger(logger)
	handler := httpapi.NewRouter(api, hub.Handler(), httpapi.RequestLogger(logger))

	return &App{
		Store:   store,
		Service: svc,
		Hub:     hub,
		Handler: handler,
		cfg:     cfg,
		sweeper: storage.NewSweeper(store, hub, cfg.Reservations.SweepInterval.Duration, cfg.Reservations.SweepGrace.Duration, logger),
		logger:  logger.With("component", "app"),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down and closes the store.
func (a *App) Run(ctx context.Context) error {
	srv, err := New(Config{
		Addr:       a.cfg.Server.Addr,
		SocketPath: a.cfg.Server.SocketPath,
		Handler:    a.Handler,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.StartSweeper(ctx)
	defer a.sweeper.Stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		a.Close()
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if startErr := <-errc; startErr != nil && err == nil {
		err = startErr
	}
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// StartSweeper begins periodic expired-reservation cleanup until ctx ends
// or Close is called.
func (a *App) StartSweeper(ctx context.Context) {
	a.sweeper.Start(ctx)
}

// Close stops the sweeper and closes the store.
func (a *App) Close() error {
	a.sweeper.Stop()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
