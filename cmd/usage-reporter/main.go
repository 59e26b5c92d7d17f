// The usage-reporter agent submits the cluster's accumulated usage of the
// current month to the control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"site-agent-go/internal/agent"
	"site-agent-go/internal/config"
	"site-agent-go/internal/processor"
	"site-agent-go/internal/waldur"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting usage reporter",
		zap.Int("offerings", len(cfg.Offerings)),
		zap.Duration("interval", cfg.ReportSyncInterval),
	)

	wire := func(offering *config.Offering, logger *zap.Logger) (agent.Wiring, error) {
		cp := waldur.NewClient(offering.APIURL, offering.APIToken, logger)
		b := processor.BackendForOffering(offering, logger)
		p := processor.NewReportProcessor(cp, b, offering, logger)
		return agent.Wiring{
			Processor: p,
			Diagnose: func(ctx context.Context) error {
				return processor.Diagnose(ctx, cp, b, offering, logger)
			},
			Ping: b.Ping,
		}, nil
	}

	if err := agent.Run(ctx, "report", cfg.ReportSyncInterval, cfg, wire, logger); err != nil {
		logger.Fatal("usage reporter failed", zap.Error(err))
	}
	logger.Info("usage reporter stopped")
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFormat == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return zapCfg.Build()
}
