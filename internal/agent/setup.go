package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"site-agent-go/internal/config"
	"site-agent-go/internal/ops"
)

// Wiring is what one offering contributes to a running agent: its pass
// processor, the startup diagnostics, a readiness probe and the optional
// event handlers.
type Wiring struct {
	Processor OfferingProcessor
	Diagnose  func(ctx context.Context) error
	Ping      func(ctx context.Context) error

	OrderHandler    OrderHandler
	UserRoleHandler UserRoleHandler
}

// WireFunc builds the wiring for one offering. A returned error aborts
// startup.
type WireFunc func(offering *config.Offering, logger *zap.Logger) (Wiring, error)

// Run wires every configured offering, verifies backend connectivity and
// runs the reconciliation loop, the ops server and, when a Redis URL is
// configured, the event subscriber until ctx is cancelled.
func Run(ctx context.Context, mode string, interval time.Duration, cfg *config.Config, wire WireFunc, logger *zap.Logger) error {
	processors := make(map[string]OfferingProcessor, len(cfg.Offerings))
	orderHandlers := make(map[string]OrderHandler)
	userRoleHandlers := make(map[string]UserRoleHandler)
	pings := make(map[string]func(ctx context.Context) error, len(cfg.Offerings))

	for i := range cfg.Offerings {
		offering := &cfg.Offerings[i]
		wiring, err := wire(offering, logger)
		if err != nil {
			return fmt.Errorf("wiring offering %s: %w", offering.Name, err)
		}

		if wiring.Diagnose != nil {
			if err := wiring.Diagnose(ctx); err != nil {
				return fmt.Errorf("diagnostics failed for offering %s: %w", offering.Name, err)
			}
		}
		if wiring.Ping != nil {
			pings[offering.Name] = wiring.Ping
		}
		logger.Info("offering wired",
			zap.String("offering", offering.Name),
			zap.String("backend_type", offering.BackendType),
		)

		processors[offering.Name] = wiring.Processor
		if wiring.OrderHandler != nil {
			orderHandlers[offering.UUID] = wiring.OrderHandler
		}
		if wiring.UserRoleHandler != nil {
			userRoleHandlers[offering.UUID] = wiring.UserRoleHandler
		}
	}

	runner := NewRunner(mode, interval, processors, logger)

	ready := func(ctx context.Context) error {
		for name, ping := range pings {
			if err := ping(ctx); err != nil {
				return fmt.Errorf("offering %s: %w", name, err)
			}
		}
		return nil
	}
	server := ops.NewServer(cfg.OpsPort, ready, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("starting ops server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.RedisURL != "" && (len(orderHandlers) > 0 || len(userRoleHandlers) > 0) {
		subscriber, err := NewEventSubscriber(ctx, cfg.RedisURL, orderHandlers, userRoleHandlers, logger)
		if err != nil {
			return fmt.Errorf("connecting event subscriber: %w", err)
		}
		logger.Info("event-triggered processing enabled")
		g.Go(func() error {
			defer subscriber.Close()
			return subscriber.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
