package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/api"
	"github.com/finmill/paycore/internal/config"
	"github.com/finmill/paycore/internal/events"
	"github.com/finmill/paycore/internal/ledger"
	"github.com/finmill/paycore/internal/processor"
	"github.com/finmill/paycore/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgLedger, err := ledger.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pgLedger.Close()

	gateway, err := processor.New(processor.Config{
		Provider:    cfg.PaymentProvider,
		APIKey:      cfg.ProcessorAPIKey,
		BaseURL:     cfg.ProcessorURL,
		FailureRate: cfg.ProcessorFailureRate,
		Latency:     cfg.ProcessorLatency,
	})
	if err != nil {
		logger.Fatal("unable to build payment gateway", zap.Error(err))
	}

	// Events drain into an in-process channel; a webhook subscriber is
	// added when configured.
	channel := events.NewChannel(cfg.EventBufferSize, logger)
	sink := events.Fanout{channel}
	if cfg.WebhookURL != "" {
		sink = append(sink, events.NewWebhook(cfg.WebhookURL, logger))
	}
	go drainEvents(ctx, channel, logger)

	orchestrator := service.NewOrchestrator(pgLedger, gateway, sink, logger, service.Config{
		MinAmount:        cfg.MinTransactionAmount,
		MaxAmount:        cfg.MaxTransactionAmount,
		RefundsEnabled:   cfg.RefundsEnabled,
		ProcessorTimeout: cfg.ProcessorTimeout,
	})

	sweeper := service.NewSweeper(pgLedger, logger, cfg.SweepInterval, cfg.StuckProcessingAge)
	go sweeper.Run(ctx)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	api.NewHandler(orchestrator, logger).Register(r)

	logger.Info("server starting", zap.String("port", cfg.Port), zap.String("provider", cfg.PaymentProvider))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func drainEvents(ctx context.Context, channel *events.Channel, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-channel.C():
			logger.Info("event emitted",
				zap.String("event", ev.Name),
				zap.String("transaction_id", ev.Transaction.ID),
				zap.String("status", string(ev.Transaction.Status)))
		}
	}
}
