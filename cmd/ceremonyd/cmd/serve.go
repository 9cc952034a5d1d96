package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/server"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/telemetry"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the coordinator daemon.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ceremony coordinator",
		Long: `Run the coordinator API. Persisted ceremonies are resumed on start; the
daemon stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			explicit, _ := cmd.Flags().GetString(flagConfig)
			cfg, path, err := LoadConfig(homeDir(cmd), explicit)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.API.ListenAddr = addr
			}

			logger, closer, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()
			if path != "" {
				logger.Info("loaded configuration", "path", path)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String(flagConfig, "", "configuration file (default <home>/config/ceremony.toml or .json)")
	cmd.Flags().String("listen", "", "API listen address (overrides api.listen_addr)")
	return cmd
}

func serve(ctx context.Context, cfg *coordinator.Config, logger log.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	store, err := coordinator.OpenStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := setup.NewFileKeyStorage(cfg.Storage.KeysDir)
	if err != nil {
		return err
	}

	verifier, release, err := cfg.Beacon.OpenBeaconVerifier(ctx)
	if err != nil {
		return err
	}
	defer release()
	if verifier == nil {
		logger.Info("no beacon sources configured; beacons are accepted unchecked and left to auditors")
	}

	opts := coordinator.Options{
		Store:        store,
		Keys:         keys,
		Beacon:       verifier,
		Logger:       logger,
		Metrics:      coordinator.NewCeremonyMetrics(),
		AuditWorkers: cfg.Ceremony.AuditWorkers,
	}
	if cfg.GeoIP.Enabled {
		geo, err := transcript.OpenGeoIP(cfg.GeoIP.DBPath)
		if err != nil {
			return err
		}
		defer geo.Close()
		opts.Countries = geo
		logger.Info("country statistics enabled", "db", geo.Path())
	}

	registry := coordinator.NewRegistry(opts)
	if err := registry.LoadAll(); err != nil {
		return err
	}
	logger.Info("resumed ceremonies", "count", len(registry.List()))

	srv := server.New(server.Options{
		API:                cfg.API,
		AcceptTimeout:      cfg.Ceremony.AcceptTimeout,
		TargetParticipants: cfg.Ceremony.TargetParticipants,
		Registry:           registry,
		Logger:             logger,
		Metrics:            opts.Metrics,
	})

	if cfg.Metrics.Enabled {
		hc := server.NewHealthCheck(registry, healthProbes(verifier, tracing)...)
		metricsSrv := server.StartPrometheusServer(cfg.Metrics.ListenAddr, hc, logger)
		logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}

// healthProbes are the optional dependencies reported next to the store.
func healthProbes(verifier *beacon.Verifier, tracing *telemetry.Provider) []server.Probe {
	return []server.Probe{
		{
			Name: "beacon",
			Check: func(context.Context) error {
				if verifier == nil {
					return errors.New("no beacon sources configured")
				}
				return nil
			},
		},
		{
			Name: "tracing",
			Check: func(context.Context) error {
				return tracing.HealthCheck()
			},
		},
	}
}
