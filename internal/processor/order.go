package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/config"
	"site-agent-go/internal/models"
	"site-agent-go/internal/ops"
	"site-agent-go/internal/waldur"
)

// RetryPolicy bounds the polling for control-plane resource materialization.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// OrderProcessor executes pending orders of one offering against its backend.
type OrderProcessor struct {
	cp       ControlPlane
	backend  backend.Backend
	offering *config.Offering
	retry    RetryPolicy
	logger   *zap.Logger
}

// NewOrderProcessor wires an order processor for one offering.
func NewOrderProcessor(cp ControlPlane, b backend.Backend, offering *config.Offering, logger *zap.Logger) *OrderProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderProcessor{
		cp:       cp,
		backend:  b,
		offering: offering,
		retry: RetryPolicy{
			MaxAttempts: offering.Settings.OrderPollAttempts,
			Interval:    offering.Settings.OrderPollInterval,
		},
		logger: logger.With(zap.String("offering", offering.Name)),
	}
}

// ProcessOffering runs one order pass: every order waiting on the provider is
// approved and executed, every order already executing is driven to a
// terminal state. A failure on one order does not block the rest.
func (p *OrderProcessor) ProcessOffering(ctx context.Context) error {
	for _, state := range []models.OrderState{models.OrderStatePendingProvider, models.OrderStateExecuting} {
		orders, err := p.cp.ListOrders(ctx, p.offering.UUID, state)
		if err != nil {
			return fmt.Errorf("listing %s orders: %w", state, err)
		}
		p.logger.Info("processing orders",
			zap.String("state", string(state)),
			zap.Int("count", len(orders)),
		)
		for _, order := range orders {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.processOrder(ctx, order)
		}
	}
	return nil
}

// ProcessOrderEvent handles a single order notification from the event
// channel. Orders already in a terminal state are skipped.
func (p *OrderProcessor) ProcessOrderEvent(ctx context.Context, orderUUID string) error {
	if _, err := uuid.Parse(orderUUID); err != nil {
		return fmt.Errorf("invalid order uuid %q: %w", orderUUID, err)
	}

	order, err := p.cp.GetOrder(ctx, orderUUID)
	if err != nil {
		return fmt.Errorf("fetching order %s: %w", orderUUID, err)
	}
	if order.State.Terminal() {
		p.logger.Info("order is already in a terminal state, skipping",
			zap.String("order_uuid", order.UUID),
			zap.String("state", string(order.State)),
		)
		return nil
	}
	p.processOrder(ctx, order)
	return nil
}

func (p *OrderProcessor) processOrder(ctx context.Context, order *models.Order) {
	logger := p.logger.With(
		zap.String("order_uuid", order.UUID),
		zap.String("order_type", string(order.Type)),
		zap.String("resource_name", order.ResourceName),
	)
	logger.Info("processing order")

	done, err := p.executeOrder(ctx, order, logger)
	switch {
	case err == nil && done:
		if err := p.cp.MarkOrderDone(ctx, order.UUID); err != nil {
			logger.Error("unable to mark order done", zap.Error(err))
			ops.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "error").Inc()
			return
		}
		logger.Info("order completed")
		ops.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "done").Inc()

	case err == nil:
		// Not finished yet: the next pass picks the order up again.
		logger.Info("order left for the next pass")
		ops.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "deferred").Inc()

	case backend.IsBackendError(err):
		logger.Error("order failed on the backend", zap.Error(err))
		p.markOrderErred(ctx, order, err, logger)
		ops.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "erred").Inc()

	default:
		// Control-plane failure: log and retry next pass, the order state
		// on the control plane is its own source of truth.
		logger.Error("order failed against the control plane", zap.Error(err))
		ops.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "error").Inc()
	}
}

// executeOrder runs the order to completion. It returns done=false with a
// nil error when materialization has not happened yet and the order should be
// retried on a later pass.
func (p *OrderProcessor) executeOrder(ctx context.Context, order *models.Order, logger *zap.Logger) (bool, error) {
	if order.State == models.OrderStatePendingProvider {
		if err := p.cp.ApproveOrder(ctx, order.UUID); err != nil {
			return false, fmt.Errorf("approving order: %w", err)
		}
		refreshed, err := p.cp.GetOrder(ctx, order.UUID)
		if err != nil {
			return false, fmt.Errorf("refreshing order: %w", err)
		}
		order = refreshed
	}

	switch order.Type {
	case models.OrderTypeCreate:
		return p.executeCreate(ctx, order, logger)
	case models.OrderTypeUpdate:
		return p.executeUpdate(ctx, order, logger)
	case models.OrderTypeTerminate:
		return p.executeTerminate(ctx, order, logger)
	default:
		return false, fmt.Errorf("unknown order type %q", order.Type)
	}
}

func (p *OrderProcessor) executeCreate(ctx context.Context, order *models.Order, logger *zap.Logger) (bool, error) {
	order, ok, err := p.waitForMarketplaceResource(ctx, order, logger)
	if err != nil || !ok {
		return false, err
	}

	resource, err := p.cp.GetResource(ctx, order.MarketplaceResourceUUID)
	if err != nil {
		return false, fmt.Errorf("fetching resource %s: %w", order.MarketplaceResourceUUID, err)
	}

	descriptor := &backend.ResourceDescriptor{
		UUID:         resource.UUID,
		Name:         resource.Name,
		Slug:         resource.Slug,
		ProjectSlug:  resource.ProjectSlug,
		CustomerSlug: resource.CustomerSlug,
		ProjectName:  resource.ProjectName,
		CustomerName: resource.CustomerName,
		Limits:       resource.Limits,
	}

	created, err := p.backend.CreateResource(ctx, descriptor)
	if err != nil {
		return false, err
	}
	logger.Info("backend resource created", zap.String("backend_id", created.BackendID))

	if err := p.cp.SetResourceBackendID(ctx, resource.UUID, created.BackendID); err != nil {
		return false, fmt.Errorf("setting backend id: %w", err)
	}
	if len(created.Limits) > 0 {
		if err := p.cp.SetResourceLimits(ctx, resource.UUID, created.Limits); err != nil {
			return false, fmt.Errorf("mirroring limits: %w", err)
		}
	}

	// Accounting-backed offerings get a scope object on the control plane
	// once the backend id lands. Wait for it so the membership pass has a
	// scope to attach users to.
	if p.backend.Type() == "slurm" {
		if _, ok, err := p.waitForScope(ctx, order, logger); err != nil || !ok {
			return ok, err
		}
	}

	if resource.RestrictMemberAccess {
		logger.Info("member access is restricted, skipping initial user grants")
		return true, nil
	}
	if err := p.grantTeamAccess(ctx, resource, created.BackendID, logger); err != nil {
		return false, err
	}

	return true, nil
}

// grantTeamAccess adds the resource's project team to the freshly created
// account. Only team members with a confirmed, non-restricted offering
// username are granted.
func (p *OrderProcessor) grantTeamAccess(ctx context.Context, resource *models.Resource, backendID string, logger *zap.Logger) error {
	team, err := p.cp.GetTeam(ctx, resource.UUID)
	if err != nil {
		return fmt.Errorf("fetching team: %w", err)
	}
	offeringUsers, err := p.cp.ListOfferingUsers(ctx, waldur.OfferingUserFilter{
		OfferingUUID:   p.offering.UUID,
		OmitRestricted: true,
	})
	if err != nil {
		return fmt.Errorf("listing offering users: %w", err)
	}

	onTeam := make(map[string]bool, len(team))
	for _, member := range team {
		onTeam[member.UUID] = true
	}
	var usernames []string
	for _, user := range offeringUsers {
		if onTeam[user.UserUUID] && user.Username != "" {
			usernames = append(usernames, user.Username)
		}
	}
	if len(usernames) == 0 {
		return nil
	}

	logger.Info("granting access to the team", zap.Strings("usernames", usernames))
	added, err := p.backend.AddUsersToResource(ctx, backendID, usernames)
	if err != nil {
		return err
	}
	logger.Info("access granted", zap.Strings("usernames", added))
	return nil
}

func (p *OrderProcessor) executeUpdate(ctx context.Context, order *models.Order, logger *zap.Logger) (bool, error) {
	resource, err := p.cp.GetResource(ctx, order.MarketplaceResourceUUID)
	if err != nil {
		return false, fmt.Errorf("fetching resource %s: %w", order.MarketplaceResourceUUID, err)
	}
	if resource.BackendID == "" {
		return false, backend.NewError("update resource", "",
			fmt.Errorf("resource %s has no backend id", resource.UUID))
	}
	if len(order.Limits) == 0 {
		logger.Warn("update order carries no limits, nothing to change")
		return true, nil
	}

	logger.Info("updating resource limits",
		zap.String("backend_id", resource.BackendID),
		zap.Any("old_limits", order.Attributes.OldLimits),
		zap.Any("new_limits", order.Limits),
	)
	if err := p.backend.SetResourceLimits(ctx, resource.BackendID, order.Limits); err != nil {
		return false, err
	}
	if err := p.cp.SetResourceLimits(ctx, resource.UUID, order.Limits); err != nil {
		return false, fmt.Errorf("mirroring limits: %w", err)
	}
	return true, nil
}

func (p *OrderProcessor) executeTerminate(ctx context.Context, order *models.Order, logger *zap.Logger) (bool, error) {
	resource, err := p.cp.GetResource(ctx, order.MarketplaceResourceUUID)
	if err != nil {
		return false, fmt.Errorf("fetching resource %s: %w", order.MarketplaceResourceUUID, err)
	}
	if resource.BackendID == "" {
		logger.Warn("resource has no backend id, nothing to remove on the cluster")
		return true, nil
	}

	logger.Info("terminating resource", zap.String("backend_id", resource.BackendID))
	if err := p.backend.DeleteResource(ctx, resource.BackendID, order.ProjectSlug); err != nil {
		return false, err
	}
	return true, nil
}

// waitForMarketplaceResource polls the order until the control plane has
// materialized the marketplace resource. Exhausting the budget is not an
// error: the order stays untouched for the next pass.
func (p *OrderProcessor) waitForMarketplaceResource(ctx context.Context, order *models.Order, logger *zap.Logger) (*models.Order, bool, error) {
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if order.MarketplaceResourceUUID != "" {
			if _, err := uuid.Parse(order.MarketplaceResourceUUID); err != nil {
				return order, false, fmt.Errorf("malformed resource uuid %q: %w", order.MarketplaceResourceUUID, err)
			}
			return order, true, nil
		}
		logger.Info("waiting for resource materialization", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return order, false, ctx.Err()
		case <-time.After(p.retry.Interval):
		}
		refreshed, err := p.cp.GetOrder(ctx, order.UUID)
		if err != nil {
			return order, false, fmt.Errorf("refreshing order: %w", err)
		}
		order = refreshed
		if order.State != models.OrderStateExecuting {
			logger.Warn("order left the executing state, aborting",
				zap.String("state", string(order.State)))
			return order, false, nil
		}
	}
	logger.Warn("resource was not materialized within the polling budget")
	return order, false, nil
}

// waitForScope polls the order until the backing scope object exists.
func (p *OrderProcessor) waitForScope(ctx context.Context, order *models.Order, logger *zap.Logger) (*models.Order, bool, error) {
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		refreshed, err := p.cp.GetOrder(ctx, order.UUID)
		if err != nil {
			return order, false, fmt.Errorf("refreshing order: %w", err)
		}
		order = refreshed
		if order.ResourceUUID != "" {
			return order, true, nil
		}
		if order.State != models.OrderStateExecuting {
			logger.Warn("order left the executing state, aborting",
				zap.String("state", string(order.State)))
			return order, false, nil
		}
		logger.Info("waiting for scope materialization", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return order, false, ctx.Err()
		case <-time.After(p.retry.Interval):
		}
	}
	logger.Warn("scope was not materialized within the polling budget")
	return order, false, nil
}

// markOrderErred pushes the failure onto the order and its resource.
func (p *OrderProcessor) markOrderErred(ctx context.Context, order *models.Order, cause error, logger *zap.Logger) {
	details := models.ErrorDetails{
		Message:   cause.Error(),
		Traceback: string(debug.Stack()),
	}
	if err := p.cp.MarkOrderErred(ctx, order.UUID, details); err != nil {
		logger.Error("unable to mark order erred", zap.Error(err))
		return
	}
	if order.MarketplaceResourceUUID != "" {
		markResourceErred(ctx, p.cp, p.offering.Name, order.MarketplaceResourceUUID, cause, logger)
	}
}
