package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PlainFunction/vaultquery/internal/api"
	"github.com/PlainFunction/vaultquery/internal/common/bloom"
	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/db"
	grpcserver "github.com/PlainFunction/vaultquery/internal/common/grpc"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/store"
	"github.com/PlainFunction/vaultquery/internal/services"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "policy",
		Value:   "",
		Usage:   "YAML policy file (membership filter, scaling factor, token rules)",
		EnvVars: []string{"POLICY_FILE"},
	},
	&cli.BoolFlag{
		Name:  "migrate",
		Value: true,
		Usage: "apply pending SQL migrations on startup",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "",
		Usage: "log level (defaults to LOG_LEVEL or info)",
	},
}

func main() {
	app := &cli.App{
		Name:   "vaultquery-api",
		Usage:  "Serve the privacy-preserving query gateway",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Log.Fatalf("❌ %v", err)
	}
}

func run(cCtx *cli.Context) error {
	logger.Init(logger.Options{
		Level:   cCtx.String("log-level"),
		JSON:    cCtx.Bool("log-json"),
		Service: "api-gateway",
	})
	log := logger.WithComponent("Main")
	log.Info("🚀 Starting API Gateway...")

	cfg := config.Load()
	log.Infof("📋 Configuration loaded: Environment=%s", cfg.Environment)

	policy, err := config.LoadPolicy(cCtx.String("policy"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokenStore, err := openTokenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tokenStore.Close()

	recordStore, err := openRecordStore(ctx, cfg, cCtx.Bool("migrate"), log)
	if err != nil {
		return err
	}
	defer recordStore.Close()

	filter, err := bloom.New(bloom.Config{
		Capacity:          policy.Membership.Capacity,
		FalsePositiveRate: policy.Membership.FalsePositiveRate,
		Modulus:           policy.Membership.Modulus,
		Fields:            policy.Membership.Fields,
	})
	if err != nil {
		return fmt.Errorf("failed to build membership filter: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewGatewayMetrics(reg)

	queries := services.NewQueryService(recordStore, filter, metrics)
	loaded, err := queries.RebuildFilter(ctx)
	if err != nil {
		return fmt.Errorf("failed to load membership filter: %w", err)
	}
	log.Infof("✅ Membership filter loaded from %d record(s)", loaded)

	registry := grpcserver.NewServiceRegistry(cfg)
	defer registry.Close()

	decryptor, err := registry.GetDecryptionServiceClient()
	if err != nil {
		return fmt.Errorf("decryption authority unavailable: %w", err)
	}

	scaler, err := paillier.NewScaler(policy.Aggregation.ScalingFactor)
	if err != nil {
		return err
	}
	publicKey, err := services.FetchPublicKey(ctx, decryptor, scaler.Factor())
	if err != nil {
		return err
	}
	log.WithField("key_id", publicKey.KeyID()).Info("🔑 Public key received from decryption authority")

	if cfg.AuditMode == "postgres" && cCtx.Bool("migrate") {
		if _, err := db.Migrate(ctx, cfg.AuditDSN(), cfg.MigrationsDir, "audit_"); err != nil {
			return fmt.Errorf("failed to initialize audit database: %w", err)
		}
	}

	auditSink, err := registry.GetAuditSink()
	if err != nil {
		return err
	}
	auditReader, err := registry.GetAuditReader()
	if err != nil {
		log.WithError(err).Warn("⚠️  Audit log reads disabled")
	}

	gateway := services.NewGatewayService(services.GatewayOptions{
		Tokens: services.NewTokenService(tokenStore, services.TokenPolicy{
			AccessTTL:       cfg.AccessTokenTTL,
			QueryTTL:        cfg.QueryTokenTTL,
			RevokeOnReissue: policy.Tokens.RevokeOnReissue,
		}, metrics),
		Queries:     queries,
		Aggregation: services.NewAggregationService(recordStore, publicKey, scaler),
		Decryptor:   decryptor,
		Audit:       auditSink,
		AuditReader: auditReader,
		Metrics:     metrics,
	})

	server := api.NewServer(cfg, api.NewHandler(gateway, decryptor, reg))

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🎧 API Gateway listening on port %s", cfg.APIPort)
		log.Info("📡 Ready to accept HTTP requests")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("🛑 Shutdown signal received, gracefully stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("⚠️  Error during HTTP shutdown")
	}

	log.Info("✅ API Gateway stopped")
	return nil
}

// openTokenStore prefers Redis and falls back to process memory when the
// cache is disabled.
func openTokenStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (store.KeyedStore, error) {
	if !cfg.CacheEnabled {
		log.Warn("⚠️  Cache disabled, tokens are kept in memory and lost on restart")
		return store.NewMemoryStore(), nil
	}

	redisStore, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:     cfg.CacheAddr(),
		Password: cfg.CachePassword,
		Prefix:   cfg.CachePrefix,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("✅ Token store connected to Redis at %s", cfg.CacheAddr())
	return redisStore, nil
}

func openRecordStore(ctx context.Context, cfg *config.Config, migrate bool, log *logrus.Entry) (records.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("⚠️  DATABASE_URL not set, records are kept in memory")
		return records.NewMemoryStore(), nil
	}

	if migrate {
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("failed to ensure records database: %w", err)
		}
		if _, err := db.Migrate(ctx, cfg.DatabaseURL, cfg.MigrationsDir, "records_"); err != nil {
			return nil, fmt.Errorf("failed to initialize records database: %w", err)
		}
	}

	pg, err := records.OpenPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("✅ Record store connected to Postgres")
	return pg, nil
}
