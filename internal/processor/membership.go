package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/config"
	"site-agent-go/internal/models"
	"site-agent-go/internal/waldur"
)

// MembershipProcessor keeps cluster access grants and QoS state of one
// offering aligned with project teams on the control plane.
type MembershipProcessor struct {
	cp       ControlPlane
	backend  backend.Backend
	offering *config.Offering
	logger   *zap.Logger
}

// NewMembershipProcessor wires a membership processor for one offering.
func NewMembershipProcessor(cp ControlPlane, b backend.Backend, offering *config.Offering, logger *zap.Logger) *MembershipProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipProcessor{
		cp:       cp,
		backend:  b,
		offering: offering,
		logger:   logger.With(zap.String("offering", offering.Name)),
	}
}

// ProcessOffering runs one membership pass over the offering's OK resources.
// A failure on one resource is recorded and does not block the rest.
func (p *MembershipProcessor) ProcessOffering(ctx context.Context) error {
	resources, err := p.cp.FilterResources(ctx, waldur.ResourceFilter{
		OfferingUUID: p.offering.UUID,
		States:       []models.ResourceState{models.ResourceStateOK},
	})
	if err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}

	offeringUsers, err := p.cp.ListOfferingUsers(ctx, waldur.OfferingUserFilter{
		OfferingUUID:   p.offering.UUID,
		OmitRestricted: true,
	})
	if err != nil {
		return fmt.Errorf("listing offering users: %w", err)
	}

	p.logger.Info("syncing memberships", zap.Int("resources", len(resources)))
	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if resource.BackendID == "" {
			p.logger.Warn("resource has no backend id, skipping",
				zap.String("resource_uuid", resource.UUID))
			continue
		}
		p.syncResource(ctx, resource, offeringUsers)
	}
	return nil
}

// ProcessUserRoleChange handles a role-change notification for one user by
// re-syncing every resource the change may affect. The granted flag is
// advisory: the team listing is the source of truth either way.
func (p *MembershipProcessor) ProcessUserRoleChange(ctx context.Context, userUUID string, granted bool) error {
	if _, err := uuid.Parse(userUUID); err != nil {
		return fmt.Errorf("invalid user uuid %q: %w", userUUID, err)
	}

	users, err := p.cp.ListOfferingUsers(ctx, waldur.OfferingUserFilter{
		OfferingUUID: p.offering.UUID,
		UserUUID:     userUUID,
	})
	if err != nil {
		return fmt.Errorf("resolving offering user: %w", err)
	}
	if len(users) == 0 {
		p.logger.Info("user has no offering username, nothing to sync",
			zap.String("user_uuid", userUUID),
			zap.Bool("granted", granted),
		)
		return nil
	}

	p.logger.Info("role change received",
		zap.String("username", users[0].Username),
		zap.Bool("granted", granted),
	)
	return p.ProcessOffering(ctx)
}

func (p *MembershipProcessor) syncResource(ctx context.Context, resource *models.Resource, offeringUsers []*models.OfferingUser) {
	logger := p.logger.With(
		zap.String("resource_uuid", resource.UUID),
		zap.String("backend_id", resource.BackendID),
	)

	pulled, err := p.backend.PullResources(ctx, []*backend.Resource{{
		BackendID:       resource.BackendID,
		Name:            resource.Name,
		MarketplaceUUID: resource.UUID,
	}})
	if err != nil {
		p.reportFailure(ctx, resource, err, logger)
		return
	}
	report, ok := pulled[resource.BackendID]
	if !ok {
		logger.Warn("resource is missing on the cluster, skipping membership sync")
		return
	}

	if err := p.syncUsers(ctx, resource, report.Users, offeringUsers, logger); err != nil {
		p.reportFailure(ctx, resource, err, logger)
		return
	}
	if err := p.syncState(ctx, resource, logger); err != nil {
		p.reportFailure(ctx, resource, err, logger)
	}
}

// syncUsers reconciles the account's association set. Local usernames that do
// not belong to any offering user are left alone: they are cluster-side
// admins outside the control plane's authority.
func (p *MembershipProcessor) syncUsers(ctx context.Context, resource *models.Resource, localUsers []string, offeringUsers []*models.OfferingUser, logger *zap.Logger) error {
	local := make(map[string]bool, len(localUsers))
	for _, username := range localUsers {
		local[username] = true
	}
	usernameByUserUUID := make(map[string]string, len(offeringUsers))
	managed := make(map[string]bool, len(offeringUsers))
	for _, user := range offeringUsers {
		usernameByUserUUID[user.UserUUID] = user.Username
		managed[user.Username] = true
	}

	team, err := p.cp.GetTeam(ctx, resource.UUID)
	if err != nil {
		return fmt.Errorf("fetching team: %w", err)
	}

	if resource.RestrictMemberAccess {
		onTeam := make(map[string]bool, len(team))
		for _, member := range team {
			onTeam[member.UUID] = true
		}
		var toRemove []string
		for _, user := range offeringUsers {
			if local[user.Username] && onTeam[user.UserUUID] {
				toRemove = append(toRemove, user.Username)
			}
		}
		if len(toRemove) == 0 {
			return nil
		}
		logger.Info("member access is restricted, revoking managed team users",
			zap.Int("count", len(toRemove)))
		return p.backend.RemoveUsersFromAccount(ctx, resource.BackendID, toRemove)
	}

	expected := make(map[string]bool, len(team))
	var toAdd []string
	for _, member := range team {
		username, known := usernameByUserUUID[member.UUID]
		if !known || username == "" {
			logger.Debug("team member has no offering username",
				zap.String("member_uuid", member.UUID))
			continue
		}
		expected[username] = true
		if !local[username] {
			toAdd = append(toAdd, username)
		}
	}

	var toRemove []string
	for _, username := range localUsers {
		if managed[username] && !expected[username] {
			toRemove = append(toRemove, username)
		}
	}

	if len(toAdd) > 0 {
		logger.Info("granting access", zap.Strings("usernames", toAdd))
		added, err := p.backend.AddUsersToResource(ctx, resource.BackendID, toAdd)
		if err != nil {
			return err
		}
		logger.Info("access granted", zap.Strings("usernames", added))
	}
	if len(toRemove) > 0 {
		logger.Info("revoking access", zap.Strings("usernames", toRemove))
		if err := p.backend.RemoveUsersFromAccount(ctx, resource.BackendID, toRemove); err != nil {
			return err
		}
	}
	return nil
}

// syncState applies the control-plane pause/downscale flags to the account's
// QoS and mirrors the resulting backend state. Pausing wins over downscaling.
func (p *MembershipProcessor) syncState(ctx context.Context, resource *models.Resource, logger *zap.Logger) error {
	var (
		applied   bool
		err       error
		operation string
	)
	switch {
	case resource.Paused:
		operation = "pause"
		applied, err = p.backend.PauseResource(ctx, resource.BackendID)
	case resource.Downscaled:
		operation = "downscale"
		applied, err = p.backend.DownscaleResource(ctx, resource.BackendID)
	default:
		operation = "restore"
		applied, err = p.backend.RestoreResource(ctx, resource.BackendID)
	}
	if err != nil {
		return err
	}
	if !applied {
		logger.Debug("state operation skipped", zap.String("operation", operation))
	}

	metadata, err := p.backend.ResourceMetadata(ctx, resource.BackendID)
	if err != nil {
		return err
	}
	if err := p.cp.SetResourceBackendMetadata(ctx, resource.UUID, metadata); err != nil {
		// Metadata mirroring is best effort, the QoS change already landed.
		logger.Error("unable to mirror backend metadata", zap.Error(err))
	}
	return nil
}

func (p *MembershipProcessor) reportFailure(ctx context.Context, resource *models.Resource, err error, logger *zap.Logger) {
	if backend.IsBackendError(err) {
		logger.Error("membership sync failed on the backend", zap.Error(err))
		markResourceErred(ctx, p.cp, p.offering.Name, resource.UUID, err, logger)
		return
	}
	logger.Error("membership sync failed against the control plane", zap.Error(err))
}
