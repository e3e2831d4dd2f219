package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/randomizer/internal/platform/logger"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Log        *logger.Logger
	// ShutdownTimeout bounds graceful shutdown in Run. Zero means 10s.
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	log    *logger.Logger
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners. Serving starts with Run.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:  cfg,
		log:  log,
		http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		ln:   ln,
	}

	if cfg.SocketPath != "" {
		// stale socket from a previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

// Addr is the bound TCP address. Useful when Config.Addr asked for port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", "addr", s.Addr())
		return ignoreClosed(s.http.Serve(s.ln))
	})
	if s.unixLn != nil {
		g.Go(func() error {
			s.log.Info("listening", "socket", s.cfg.SocketPath)
			return ignoreClosed(s.unix.Serve(s.unixLn))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		_ = os.Remove(s.cfg.SocketPath)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// Serve closes its listener on shutdown; one that never served is
	// still open.
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	s.log.Info("server stopped")
	return errors.Join(errs...)
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
