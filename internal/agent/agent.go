// Package agent drives the reconciliation processors: a periodic loop per
// running mode, optionally woken early by control-plane events.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"site-agent-go/internal/ops"
)

// OfferingProcessor runs one reconciliation pass for a single offering.
type OfferingProcessor interface {
	ProcessOffering(ctx context.Context) error
}

// Runner executes reconciliation passes on a fixed interval. Trigger wakes
// the loop early, which the event subscriber uses after handling a burst of
// notifications.
type Runner struct {
	mode       string
	interval   time.Duration
	processors map[string]OfferingProcessor
	trigger    chan struct{}
	logger     *zap.Logger
}

// NewRunner builds a runner over per-offering processors keyed by offering
// name.
func NewRunner(mode string, interval time.Duration, processors map[string]OfferingProcessor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		mode:       mode,
		interval:   interval,
		processors: processors,
		trigger:    make(chan struct{}, 1),
		logger:     logger.With(zap.String("mode", mode)),
	}
}

// Trigger requests an early pass. It never blocks; a pass request already
// pending is enough.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes the reconciliation loop until the context is cancelled. The
// first pass runs immediately.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting reconciliation loop",
		zap.Duration("interval", r.interval),
		zap.Int("offerings", len(r.processors)),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.pass(ctx)
		case <-r.trigger:
			r.pass(ctx)
		}
	}
}

// pass runs one reconciliation cycle over all offerings. One offering's
// failure does not block the others.
func (r *Runner) pass(ctx context.Context) {
	start := time.Now()
	for name, processor := range r.processors {
		if ctx.Err() != nil {
			return
		}
		if err := processor.ProcessOffering(ctx); err != nil {
			r.logger.Error("reconciliation pass failed",
				zap.String("offering", name),
				zap.Error(err),
			)
			ops.SyncPassesTotal.WithLabelValues(r.mode, name, "error").Inc()
			continue
		}
		ops.SyncPassesTotal.WithLabelValues(r.mode, name, "ok").Inc()
	}
	duration := time.Since(start)
	ops.SyncPassDuration.WithLabelValues(r.mode).Observe(duration.Seconds())
	r.logger.Info("reconciliation pass completed", zap.Duration("duration", duration))
}
