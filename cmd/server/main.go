package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kibshh/wallet-pass-service/backend/internal/bundle"
	"github.com/kibshh/wallet-pass-service/backend/internal/catalog"
	"github.com/kibshh/wallet-pass-service/backend/internal/config"
	"github.com/kibshh/wallet-pass-service/backend/internal/coordinator"
	"github.com/kibshh/wallet-pass-service/backend/internal/device"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/push"
	"github.com/kibshh/wallet-pass-service/backend/internal/server"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

var Version = "dev"

const drainTimeout = 15 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "wallet-pass-server",
		Short:        "Wallet pass web service and loyalty pass operator API",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting", "version", Version, "pass_type", cfg.Pass.TypeID, "blob_backend", cfg.Storage.BlobBackend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	// Authoritative state
	passes := pass.NewRegistry(
		storage.NewDocument(filepath.Join(cfg.Storage.DataDir, "passes.json")),
		pass.NewClock(nil),
		pass.WithLogger(logger),
		pass.WithMetrics(m),
	)
	if err := passes.Load(); err != nil {
		return fmt.Errorf("loading passes: %w", err)
	}

	registrations := device.NewStore(
		storage.NewDocument(filepath.Join(cfg.Storage.DataDir, "devices.json")),
		storage.NewDocument(filepath.Join(cfg.Storage.DataDir, "registrations.json")),
		device.WithLogger(logger),
		device.WithMetrics(m),
	)
	if err := registrations.Load(); err != nil {
		return fmt.Errorf("loading registrations: %w", err)
	}
	logger.Info("state loaded", "passes", passes.Len())

	// Bundles
	blobs, err := newBlobStore(cfg.Storage)
	if err != nil {
		return err
	}
	signer, err := config.LoadPassSigner(cfg.Signing, cfg.Pass.TypeID)
	if err != nil {
		return err
	}
	if cfg.Signing.DevEphemeral {
		logger.Warn("signing bundles with an ephemeral certificate; wallets will reject them")
	}
	builder := bundle.NewPKPassBuilder(blobs, signer, bundle.TemplateConfig{
		Dir:           cfg.Storage.TemplateDir,
		PassTypeID:    cfg.Pass.TypeID,
		TeamID:        cfg.Pass.TeamID,
		WebServiceURL: cfg.WebServiceURL(),
	})
	bundles, err := bundle.NewService(builder, blobs, cfg.Bundle.CacheSize,
		bundle.WithLogger(logger),
		bundle.WithMetrics(m),
		bundle.WithGeneratedDir(cfg.Storage.GeneratedDir),
	)
	if err != nil {
		return fmt.Errorf("creating bundle service: %w", err)
	}

	// Catalog mirror
	sink, closeSink, err := newCatalogSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	mirror := catalog.NewMirror(sink, logger, m)

	// Push
	gateway, err := newGateway(cfg.APNs, logger)
	if err != nil {
		return err
	}
	dispatcher := push.NewDispatcher(gateway, registrations, passes, cfg.Pass.TypeID,
		push.WithLogger(logger),
		push.WithMetrics(m),
		push.WithConcurrency(cfg.Push.Concurrency),
	)
	queue := push.NewQueue(dispatcher, cfg.Push.QueueSize, cfg.Push.Workers, logger, m)
	queue.Start(context.WithoutCancel(ctx))

	coord := coordinator.New(coordinator.Deps{
		Authorizer:    pass.NewAuthorizer(cfg.Pass.TypeID, passes),
		Passes:        passes,
		Registrations: registrations,
		Bundles:       bundles,
		Dispatcher:    dispatcher,
		Queue:         queue,
		Mirror:        mirror,
		Logger:        logger,
		Metrics:       m,
	})

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout(),
		WriteTimeout:   cfg.Server.WriteTimeout(),
		IdleTimeout:    cfg.Server.IdleTimeout(),
		PublicURL:      cfg.Server.PublicURL,
		AdminToken:     cfg.Server.AdminToken,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, coord, server.WithLogger(logger), server.WithMetrics(m, reg))

	serveErr := srv.Start(ctx)

	// Drain pending pushes and catalog writes before exiting.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := queue.Stop(drainCtx); err != nil {
		logger.Warn("push queue did not drain", "error", err)
	}
	mirror.Wait()

	logger.Info("stopped")
	return serveErr
}

func newBlobStore(sc config.StorageConfig) (storage.BlobStore, error) {
	switch sc.BlobBackend {
	case config.BlobBackendSupabase:
		return storage.NewSupabaseBlobStore(storage.SupabaseConfig{
			BaseURL:    sc.Supabase.URL,
			ServiceKey: sc.Supabase.ServiceKey,
			Bucket:     sc.Supabase.Bucket,
		})
	case config.BlobBackendMemory:
		return storage.NewMemoryBlobStore(), nil
	default:
		return storage.NewFileBlobStore(sc.BlobDir), nil
	}
}

func newCatalogSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (catalog.Sink, func(), error) {
	if cfg.Catalog.DSN == "" {
		return catalog.NopSink{}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Catalog.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting catalog: %w", err)
	}
	sink, err := catalog.NewPostgresSink(pool, cfg.Pass.TypeID, cfg.Pass.OrganizationID)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if cfg.Catalog.AutoMigrate {
		if err := sink.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrating catalog: %w", err)
		}
	}
	logger.Info("catalog mirror enabled")
	return sink, pool.Close, nil
}

func newGateway(ac config.APNsConfig, logger *slog.Logger) (push.Gateway, error) {
	if !ac.Enabled {
		logger.Warn("apns disabled; change notifications will not be delivered")
		return push.NopGateway{}, nil
	}

	key, err := config.LoadAPNsKey(ac.KeyPath)
	if err != nil {
		return nil, err
	}
	endpoint := push.ProductionEndpoint
	if ac.Sandbox {
		endpoint = push.SandboxEndpoint
	}
	logger.Info("apns enabled", "endpoint", endpoint, "key_id", ac.KeyID)
	return push.NewAPNsGateway(push.APNsConfig{
		Endpoint: endpoint,
		KeyID:    ac.KeyID,
		TeamID:   ac.TeamID,
		Key:      key,
	})
}
