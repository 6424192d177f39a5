package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/db"
	"github.com/PlainFunction/vaultquery/internal/common/events"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
	"github.com/PlainFunction/vaultquery/internal/services"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "health-addr",
		Value:   ":8081",
		Usage:   "address to serve the /health endpoint on",
		EnvVars: []string{"AUDIT_HEALTH_ADDR"},
	},
	&cli.BoolFlag{
		Name:  "migrate",
		Value: true,
		Usage: "apply pending audit migrations on startup",
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
		Name:   "vaultquery-audit",
		Usage:  "Persist audit events from Kafka into Postgres",
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
		Service: "audit",
	})
	log := logger.WithComponent("Main")
	log.Info("🚀 Starting Audit Service...")

	cfg := config.Load()
	log.Infof("📋 Configuration loaded: Environment=%s", cfg.Environment)
	if cfg.AuditDSN() == "" {
		return errors.New("AUDIT_DATABASE_URL or DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cCtx.Bool("migrate") {
		log.Info("🔧 Initializing audit database...")
		if err := db.EnsureDatabase(ctx, cfg.AuditDSN()); err != nil {
			return fmt.Errorf("failed to ensure audit database: %w", err)
		}
		if _, err := db.Migrate(ctx, cfg.AuditDSN(), cfg.MigrationsDir, "audit_"); err != nil {
			return fmt.Errorf("failed to initialize audit database: %w", err)
		}
	}

	auditService, err := services.NewAuditService(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditService.Close(); err != nil {
			log.WithError(err).Warn("⚠️  Error closing audit service")
		}
	}()
	log.Info("✅ Audit service instance created")

	healthServer := &http.Server{
		Addr:              cCtx.String("health-addr"),
		Handler:           healthHandler(auditService),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("health server failed")
		}
	}()

	consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.AuditTopic, cfg.AuditGroupID)
	defer consumer.Close()

	log.Infof("🎧 Consuming audit events from topic %s (group %s)", cfg.AuditTopic, cfg.AuditGroupID)
	log.Info("📊 Audit logging enabled with database persistence")

	err = consumer.Consume(ctx, auditService.LogAccess)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("🛑 Shutdown signal received, gracefully stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthServer.Shutdown(shutdownCtx)

	log.Info("✅ Audit Service stopped")
	return nil
}

func healthHandler(audit *services.AuditService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp, err := audit.HealthCheck(r.Context(), &types.HealthCheckRequest{ServiceName: "audit"})
		status := http.StatusOK
		if err != nil || resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}
