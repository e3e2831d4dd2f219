// Package embedded runs a randomizer server in-process on a SQLite file,
// for tools that want allocation without deploying a separate service.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/auth"
	httpapi "github.com/mistakeknot/randomizer/internal/http"
	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/schema"
	"github.com/mistakeknot/randomizer/internal/server"
	"github.com/mistakeknot/randomizer/internal/storage/sqlite"
	"github.com/mistakeknot/randomizer/internal/ws"
)

// Config configures the embedded server.
type Config struct {
	// DBPath is the SQLite database file. Defaults to
	// ~/.randomizer/randomizer.db.
	DBPath string

	// Addr is the TCP listen address. Defaults to 127.0.0.1:7340; use
	// port 0 to pick a free port.
	Addr string

	// KeysFile enables API key authentication when set. Without it every
	// caller is trusted to name itself with the X-User header.
	KeysFile string

	Log *logger.Logger
}

// Server is an embedded randomizer server.
type Server struct {
	cfg    Config
	store  *sqlite.ResilientStore
	hub    *ws.Hub
	srv    *server.Server
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New opens the database and binds the listener. Call Start to serve.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".randomizer", "randomizer.db")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7340"
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}

	ring := auth.NewKeyring(true, nil)
	if cfg.KeysFile != "" {
		var err error
		if ring, err = auth.LoadKeyring(cfg.KeysFile); err != nil {
			return nil, fmt.Errorf("load auth: %w", err)
		}
	}

	inner, err := sqlite.New(cfg.DBPath, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(inner, cfg.Log)

	hub := ws.NewHub()
	reg := schema.New(store)
	svc := httpapi.NewService(reg, allocation.New(store)).WithBroadcaster(hub).WithLogger(cfg.Log)
	router := httpapi.NewRouter(svc, hub.Handler(reg.RequireOwner), auth.Middleware(ring))

	srv, err := server.New(server.Config{Addr: cfg.Addr, Handler: router, Log: cfg.Log})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Server{cfg: cfg, store: store, hub: hub, srv: srv}, nil
}

// Start serves in the background. Calling it twice is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Run(ctx)
		if err != nil {
			s.cfg.Log.Error("embedded server stopped", "error", err)
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts the server down gracefully and closes the database.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	var runErr error
	if cancel != nil {
		cancel()
		runErr = <-done
	} else {
		runErr = s.srv.Shutdown(context.Background())
	}
	return errors.Join(runErr, s.store.Close())
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}
