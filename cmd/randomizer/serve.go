package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/auth"
	"github.com/mistakeknot/randomizer/internal/config"
	httpapi "github.com/mistakeknot/randomizer/internal/http"
	"github.com/mistakeknot/randomizer/internal/metrics"
	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/schema"
	"github.com/mistakeknot/randomizer/internal/server"
	"github.com/mistakeknot/randomizer/internal/storage"
	"github.com/mistakeknot/randomizer/internal/storage/postgres"
	"github.com/mistakeknot/randomizer/internal/storage/sqlite"
	"github.com/mistakeknot/randomizer/internal/ws"
)

func serveCmd() *cobra.Command {
	var configPath string
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, nil)
			if err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	defaults.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close()

	keyring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	go reloadOnHangup(ctx, keyring, log)

	var engineOpts []allocation.Option
	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
		engineOpts = append(engineOpts, allocation.WithObserver(m))
		census := metrics.NewCensus(store, m, log, cfg.CensusInterval)
		census.Start(ctx)
		defer census.Stop()
	}

	hub := ws.NewHub()
	reg := schema.New(store)
	svc := httpapi.NewService(reg, allocation.New(store, engineOpts...)).
		WithBroadcaster(hub).
		WithLogger(log)
	if m != nil {
		svc.WithMetrics(m.Handler())
	}
	router := httpapi.NewRouter(svc, hub.Handler(reg.RequireOwner), auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.SocketPath,
		Handler:    router,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	log.Info("randomizer starting", "driver", cfg.Driver, "addr", srv.Addr())
	return srv.Run(ctx)
}

// reloadOnHangup rereads the keys file on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, ring *auth.Keyring, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := ring.Reload(); err != nil {
				log.Warn("keys reload failed", "error", err)
				continue
			}
			log.Info("keys reloaded", "keys", ring.Len())
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN, postgres.DefaultPool(), log)
	default:
		st, err := sqlite.New(cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return sqlite.NewResilient(st, log), nil
	}
}
