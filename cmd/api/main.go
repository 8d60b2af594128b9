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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking-platform/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking-platform/internal/api/router"
	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/assets"
	appconfig "github.com/wolfman30/clinic-booking-platform/internal/config"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	httpmiddleware "github.com/wolfman30/clinic-booking-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-platform/internal/payments"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := mainconfig.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open booking storage", "error", err)
		os.Exit(1)
	}
	defer stack.Close()
	go events.RunPurge(ctx, stack.Ledger, cfg.ProcessedRetention, time.Hour, logger)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	reconciler := payments.NewReconciler(stack.Engine, logger).
		WithNotifier(stack.Outbox).
		WithMetrics(stack.Metrics)

	limiter := httpmiddleware.NewRateLimiter(cfg.CreateRatePerSec, cfg.CreateRateBurst)
	go limiter.Run(ctx.Done(), 5*time.Minute)

	routerCfg := &router.Config{
		Logger:         logger,
		Appointments:   appointments.NewHandler(stack.Engine, logger).WithCreateMiddleware(limiter.Middleware),
		Reconcile:      payments.NewReconcileHandler(reconciler, logger),
		SquareWebhook:  payments.NewSquareWebhookHandler(cfg.SquareWebhookKey, reconciler, stack.Ledger, logger).WithMetrics(stack.Metrics),
		StripeWebhook:  payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, reconciler, stack.Ledger, logger).WithMetrics(stack.Metrics),
		Assets:         setupAssets(cfg, mainconfig.NewS3Client(awsCfg, cfg), stack, logger),
		AuthSecret:     cfg.AuthJWTSecret,
		MetricsHandler: promhttp.HandlerFor(stack.Registry, promhttp.HandlerOpts{}),
		CORS:           httpmiddleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins, MaxAge: cfg.CORSMaxAge},
	}
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set; /api routes will reject every request")
	}

	deliverer := events.NewDeliverer(stack.OutboxStore, setupDelivery(cfg, sqs.NewFromConfig(awsCfg), stack, logger), logger).
		WithInterval(cfg.OutboxInterval).
		WithBatchSize(int32(cfg.OutboxBatch))
	delivererDone := make(chan struct{})
	go func() {
		defer close(delivererDone)
		deliverer.Start(ctx)
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	<-delivererDone

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupAssets returns nil when no bucket is configured, which leaves /api/assets unmounted.
func setupAssets(cfg *appconfig.Config, client assets.S3API, stack *mainconfig.Stack, logger *logging.Logger) *assets.Handler {
	if cfg.AssetBucket == "" {
		logger.Warn("ASSET_BUCKET not set; asset uploads disabled")
		return nil
	}
	relay := assets.NewRelay(client, assets.Config{
		Bucket:        cfg.AssetBucket,
		Region:        cfg.AWSRegion,
		PublicBaseURL: cfg.AssetPublicBaseURL,
		MaxBytes:      cfg.AssetMaxBytes,
		Timeout:       cfg.AssetUploadTimeout,
	}, logger).WithMetrics(stack.Metrics)
	return assets.NewHandler(relay, logger)
}

// setupDelivery routes refund intents to Square and everything else to SQS or the log.
func setupDelivery(cfg *appconfig.Config, client events.SQSAPI, stack *mainconfig.Stack, logger *logging.Logger) events.DeliveryHandler {
	var fallback events.DeliveryHandler = events.NewLogHandler(logger)
	if cfg.EventsQueueURL != "" {
		fallback = events.NewSQSPublisher(client, cfg.EventsQueueURL)
	}

	refunds := payments.NewRefundService(cfg.SquareBaseURL, cfg.SquareAccessToken, logger)
	if stack.Redis != nil {
		refunds = refunds.WithVelocity(payments.NewVelocityChecker(stack.Redis, payments.VelocityConfig{
			MaxRefundsPerOwner: cfg.RefundVelocityMax,
			RefundWindow:       cfg.RefundVelocityWindow,
			Enabled:            true,
		}, logger))
	}

	return events.NewRouter(fallback).On(events.TypeRefundRequested, refunds)
}
