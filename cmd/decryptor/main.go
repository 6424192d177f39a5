package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	grpcserver "github.com/PlainFunction/vaultquery/internal/common/grpc"
	"github.com/PlainFunction/vaultquery/internal/common/keys"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/services"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "policy",
		Value:   "",
		Usage:   "YAML policy file; only the aggregation scaling factor is read",
		EnvVars: []string{"POLICY_FILE"},
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Value:   ":9091",
		Usage:   "address to listen on for Prometheus metrics",
		EnvVars: []string{"DECRYPTOR_METRICS_ADDR"},
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
		Name:   "vaultquery-decryptor",
		Usage:  "Hold the private key and decrypt aggregation results for the gateway",
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
		Service: "decryptor",
	})
	log := logger.WithComponent("Main")
	log.Info("🚀 Starting Decryption Authority...")

	cfg := config.Load()
	log.Infof("📋 Configuration loaded: Environment=%s KeyProvider=%s", cfg.Environment, cfg.KeyProvider)
	if cfg.InternalChannelSecret == "" {
		log.Warn("⚠️  INTERNAL_CHANNEL_SECRET not set, any caller can request decryption")
	}

	policy, err := config.LoadPolicy(cCtx.String("policy"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := keys.NewProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	keyCtx, cancel := context.WithTimeout(ctx, time.Minute)
	privateKey, err := provider.PrivateKey(keyCtx)
	cancel()
	if err != nil {
		return err
	}
	log.WithField("key_id", privateKey.KeyID()).Info("🔑 Private key loaded")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	decryption, err := services.NewDecryptionService(privateKey, policy.Aggregation.ScalingFactor, services.NewDecryptorMetrics(reg))
	if err != nil {
		return err
	}

	server, err := grpcserver.NewServer(cfg)
	if err != nil {
		return err
	}
	server.RegisterService(func(s *grpc.Server) {
		grpcserver.RegisterDecryptionServer(s, grpcserver.NewDecryptionServiceServer(decryption))
	})
	server.SetServing(grpcserver.DecryptionServiceName)
	log.Info("✅ Decryption service registered with gRPC server")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cCtx.String("metrics-addr"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("📊 Metrics listening on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🎧 Decryption Authority listening on %s", server.Addr())
		log.Info("📡 Ready to accept gRPC requests")
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("🛑 Shutdown signal received, gracefully stopping...")
	server.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("⚠️  Error stopping metrics server")
	}

	log.Info("✅ Decryption Authority stopped")
	return nil
}
