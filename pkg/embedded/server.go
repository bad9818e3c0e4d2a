// Package embedded runs an intercom server inside another process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/intercom/internal/config"
	"github.com/mistakeknot/intercom/internal/coord"
	"github.com/mistakeknot/intercom/internal/server"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.intercom/intercom.db
	DBPath string

	// Port is the HTTP port to listen on.
	// If 0, an ephemeral port is chosen.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// Logger receives server logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server is an embedded intercom server
type Server struct {
	app     *server.App
	http    *http.Server
	ln      net.Listener
	started bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// New creates a new embedded server and binds its listener.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".intercom", "intercom.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := config.Default()
	appCfg.Database.Path = cfg.DBPath
	appCfg.Server.Addr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	app, err := server.NewApp(appCfg, logger)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Server{
		app:    app,
		http:   &http.Server{Handler: app.Handler, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger.With("component", "embedded"),
	}, nil
}

// Start serves in a goroutine and starts the expiry sweeper.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.app.StartSweeper(s.ctx)

	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
		}
	}()
	return nil
}

// Stop stops the embedded server gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.app.Close()
	}
	s.started = false
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Service returns the coordination service for direct in-process calls.
func (s *Server) Service() *coord.Service {
	return s.app.Service
}
