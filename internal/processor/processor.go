// Package processor implements the reconciliation passes between the
// marketplace control plane and the cluster accounting backend.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/backend/slurm"
	"site-agent-go/internal/config"
	"site-agent-go/internal/models"
	"site-agent-go/internal/ops"
	"site-agent-go/internal/waldur"
)

// ControlPlane is the slice of the marketplace API the processors use.
// *waldur.Client satisfies it.
type ControlPlane interface {
	CurrentUser(ctx context.Context) (*models.User, error)
	GetOffering(ctx context.Context, offeringUUID string) (*models.Offering, error)

	ListOrders(ctx context.Context, offeringUUID string, state models.OrderState) ([]*models.Order, error)
	GetOrder(ctx context.Context, orderUUID string) (*models.Order, error)
	ApproveOrder(ctx context.Context, orderUUID string) error
	MarkOrderDone(ctx context.Context, orderUUID string) error
	MarkOrderErred(ctx context.Context, orderUUID string, details models.ErrorDetails) error

	GetResource(ctx context.Context, resourceUUID string) (*models.Resource, error)
	FilterResources(ctx context.Context, filter waldur.ResourceFilter) ([]*models.Resource, error)
	SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error
	SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int64) error
	SetResourceBackendMetadata(ctx context.Context, resourceUUID string, metadata map[string]string) error
	MarkResourceErred(ctx context.Context, resourceUUID string, details models.ErrorDetails) error
	MarkResourceOK(ctx context.Context, resourceUUID string) error

	GetTeam(ctx context.Context, resourceUUID string) ([]*models.TeamMember, error)
	ListOfferingUsers(ctx context.Context, filter waldur.OfferingUserFilter) ([]*models.OfferingUser, error)

	ListPlanPeriods(ctx context.Context, resourceUUID string) ([]*models.PlanPeriod, error)
	ListComponentUsages(ctx context.Context, resourceUUID string) ([]*models.ComponentUsageRecord, error)
	CreateComponentUsages(ctx context.Context, planPeriodUUID string, usages []models.ComponentUsage) error
	CreateComponentUserUsage(ctx context.Context, usageUUID, offeringUserUUID, username string, amount float64) error
}

// BackendForOffering instantiates the accounting backend declared by the
// offering. Unknown backend types get a stand-in that fails every operation,
// which surfaces at the startup ping.
func BackendForOffering(offering *config.Offering, logger *zap.Logger) backend.Backend {
	switch offering.BackendType {
	case slurm.BackendType:
		return slurm.NewBackend(offering, logger)
	default:
		return &backend.Unsupported{Kind: offering.BackendType}
	}
}

// Diagnose runs the startup sanity checks for one offering: the API token
// authenticates, the offering is visible and the backend is operational.
func Diagnose(ctx context.Context, cp ControlPlane, b backend.Backend, offering *config.Offering, logger *zap.Logger) error {
	user, err := cp.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("authenticating against the control plane: %w", err)
	}
	logger.Info("authenticated against the control plane",
		zap.String("username", user.Username),
		zap.Bool("is_staff", user.IsStaff),
	)

	remote, err := cp.GetOffering(ctx, offering.UUID)
	if err != nil {
		return fmt.Errorf("fetching offering %s: %w", offering.UUID, err)
	}
	logger.Info("offering resolved",
		zap.String("offering", remote.Name),
		zap.String("state", remote.State),
		zap.Int("components", len(remote.Components)),
	)

	return b.Diagnose(ctx)
}

// markResourceErred pushes the failure onto the resource record. The stack
// trace travels with the message so cluster-side failures can be diagnosed
// from the control plane alone.
func markResourceErred(ctx context.Context, cp ControlPlane, offeringName, resourceUUID string, cause error, logger *zap.Logger) {
	details := models.ErrorDetails{
		Message:   cause.Error(),
		Traceback: string(debug.Stack()),
	}
	if err := cp.MarkResourceErred(ctx, resourceUUID, details); err != nil {
		logger.Error("unable to mark resource as erred",
			zap.String("resource_uuid", resourceUUID),
			zap.Error(err),
		)
		return
	}
	ops.ResourcesErredTotal.WithLabelValues(offeringName).Inc()
}
