// Command engined runs the order execution and position reconciliation
// engine against the exchange configured in the YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/openordinal/execsync/internal/config"
	"github.com/openordinal/execsync/internal/engine"
	"github.com/openordinal/execsync/internal/exchange/binance"
	"github.com/openordinal/execsync/internal/observability"
	"github.com/openordinal/execsync/internal/quant"
	"github.com/openordinal/execsync/internal/schema"
)

func main() {
	configPath := flag.String("config", "engined.yaml", "path to engine configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	observability.SetLogger(observability.NewJSONLogger())
	logger := observability.Log()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.NewTelemetryProvider(ctx, observability.DefaultTelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", observability.F("error", err.Error()))
		}
	}()
	metrics, err := observability.NewEngineMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	client := binance.NewClient(binance.Options{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		BaseURL:           cfg.Exchange.BaseURL,
		StreamURL:         cfg.Exchange.StreamURL,
		HTTPTimeout:       cfg.Exchange.HTTPTimeout.Std(),
		RecvWindow:        cfg.Exchange.RecvWindow.Std(),
		RetryMaxAttempts:  cfg.Exchange.RetryMaxAttempts,
		RetryInitialDelay: cfg.Exchange.RetryInitialDelay.Std(),
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	})

	quantizer := quant.New(client, quant.WithSafetyMargin(cfg.Trading.SafetyMargin()))
	reconciler := engine.NewReconciler(client, quantizer, metrics, engine.Config{
		PendingTTL:    cfg.Engine.PendingTTL.Std(),
		PendingLimit:  cfg.Engine.PendingLimit,
		CompletedTTL:  cfg.Engine.CompletedTTL.Std(),
		NotifyBuffer:  cfg.Engine.NotifyBuffer,
		ResyncWorkers: cfg.Engine.ResyncWorkers,
	})

	margin := engine.NewMarginController(client, cfg.Trading.Leverage, cfg.Trading.MarginMode)
	if err := margin.Initialize(ctx, cfg.Trading.Symbols); err != nil {
		return fmt.Errorf("margin initialization: %w", err)
	}

	streamErrs := make(chan error, 16)
	stream := binance.NewUserStream(client, binance.UserStreamConfig{
		Handler: func(report schema.ExecutionReport) {
			reconciler.ApplyReport(ctx, report)
		},
		OnReconnect: func() {
			metrics.StreamReconnect(ctx)
			if err := reconciler.Resync(ctx); err != nil {
				logger.Warn("post-reconnect re-sync failed", observability.F("error", err.Error()))
			}
		},
		Errors: streamErrs,
	})
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	logger.Info("engine started",
		observability.F("symbols", cfg.Trading.Symbols),
		observability.F("leverage", cfg.Trading.Leverage),
		observability.F("margin_mode", string(cfg.Trading.MarginMode)))

	var wg conc.WaitGroup
	wg.Go(func() {
		for note := range reconciler.Notifications() {
			logger.Info("order update",
				observability.F("order_id", note.Order.ExchangeOrderID),
				observability.F("symbol", note.Order.Symbol),
				observability.F("status", string(note.Order.Status)),
				observability.F("executed", note.Order.ExecutedQty.String()),
				observability.F("realized", note.Realized.String()))
		}
	})
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-streamErrs:
				if !ok {
					return
				}
				logger.Warn("stream error", observability.F("error", err.Error()))
			}
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
	stream.Stop()
	reconciler.Close()
	wg.Wait()
	return nil
}
