package processor

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/config"
	"site-agent-go/internal/models"
	"site-agent-go/internal/ops"
	"site-agent-go/internal/waldur"
)

// ReportProcessor submits this month's accumulated usage of one offering to
// the control plane.
type ReportProcessor struct {
	cp       ControlPlane
	backend  backend.Backend
	offering *config.Offering
	logger   *zap.Logger
}

// NewReportProcessor wires a report processor for one offering.
func NewReportProcessor(cp ControlPlane, b backend.Backend, offering *config.Offering, logger *zap.Logger) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportProcessor{
		cp:       cp,
		backend:  b,
		offering: offering,
		logger:   logger.With(zap.String("offering", offering.Name)),
	}
}

// ProcessOffering runs one reporting pass. Erred resources are included so
// that a resource restored on the cluster recovers to OK, and resources
// missing on the cluster are marked erred.
func (p *ReportProcessor) ProcessOffering(ctx context.Context) error {
	resources, err := p.cp.FilterResources(ctx, waldur.ResourceFilter{
		OfferingUUID: p.offering.UUID,
		States: []models.ResourceState{
			models.ResourceStateOK,
			models.ResourceStateErred,
		},
	})
	if err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}

	requests := make([]*backend.Resource, 0, len(resources))
	byBackendID := make(map[string]*models.Resource, len(resources))
	for _, resource := range resources {
		if resource.BackendID == "" {
			p.logger.Warn("resource has no backend id, skipping",
				zap.String("resource_uuid", resource.UUID))
			continue
		}
		requests = append(requests, &backend.Resource{
			BackendID:       resource.BackendID,
			Name:            resource.Name,
			MarketplaceUUID: resource.UUID,
		})
		byBackendID[resource.BackendID] = resource
	}

	pulled, err := p.backend.PullResources(ctx, requests)
	if err != nil {
		return err
	}

	p.logger.Info("reporting usage",
		zap.Int("resources", len(requests)),
		zap.Int("pulled", len(pulled)),
	)
	for _, request := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		resource := byBackendID[request.BackendID]
		report, ok := pulled[request.BackendID]
		if !ok {
			p.markMissing(ctx, resource)
			continue
		}
		p.reportResource(ctx, resource, report)
	}
	return nil
}

func (p *ReportProcessor) markMissing(ctx context.Context, resource *models.Resource) {
	logger := p.logger.With(
		zap.String("resource_uuid", resource.UUID),
		zap.String("backend_id", resource.BackendID),
	)
	if resource.State == models.ResourceStateErred {
		logger.Debug("resource is still missing on the cluster")
		return
	}
	logger.Error("resource is missing on the cluster")
	err := backend.NewError("usage report", "",
		fmt.Errorf("account %s does not exist on the cluster", resource.BackendID))
	markResourceErred(ctx, p.cp, p.offering.Name, resource.UUID, err, logger)
}

func (p *ReportProcessor) reportResource(ctx context.Context, resource *models.Resource, report *backend.Resource) {
	logger := p.logger.With(
		zap.String("resource_uuid", resource.UUID),
		zap.String("backend_id", resource.BackendID),
	)

	if resource.State == models.ResourceStateErred {
		logger.Info("resource reappeared on the cluster, restoring to OK")
		if err := p.cp.MarkResourceOK(ctx, resource.UUID); err != nil {
			logger.Error("unable to restore resource", zap.Error(err))
			return
		}
	}

	total := report.Usage.Total()
	if total == nil {
		logger.Warn("usage report has no account total, skipping")
		return
	}

	if err := p.submitTotal(ctx, resource, total, logger); err != nil {
		logger.Error("unable to submit total usage", zap.Error(err))
		return
	}
	p.submitPerUser(ctx, resource, report.Usage, logger)
}

// submitTotal pushes the account-wide usage values for the resource's
// current plan period.
func (p *ReportProcessor) submitTotal(ctx context.Context, resource *models.Resource, total map[string]float64, logger *zap.Logger) error {
	usages := make([]models.ComponentUsage, 0, len(total))
	for _, component := range sortedKeys(total) {
		if _, declared := p.offering.Components[component]; !declared {
			logger.Warn("dropping usage for undeclared component",
				zap.String("component", component))
			continue
		}
		usages = append(usages, models.ComponentUsage{
			Type:   component,
			Amount: total[component],
		})
	}
	if len(usages) == 0 {
		logger.Info("no declared components with usage, nothing to submit")
		return nil
	}

	periods, err := p.cp.ListPlanPeriods(ctx, resource.UUID)
	if err != nil {
		return fmt.Errorf("listing plan periods: %w", err)
	}
	if len(periods) == 0 {
		logger.Warn("resource has no plan period, skipping total submission")
		return nil
	}

	if err := p.cp.CreateComponentUsages(ctx, periods[0].UUID, usages); err != nil {
		return fmt.Errorf("submitting usage: %w", err)
	}
	logger.Info("total usage submitted", zap.Int("components", len(usages)))
	ops.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "total").Inc()
	return nil
}

// submitPerUser attributes shares of the freshly submitted usage records to
// individual users. Failures here are logged per user and never fail the
// resource: the account total already landed.
func (p *ReportProcessor) submitPerUser(ctx context.Context, resource *models.Resource, usage backend.Usage, logger *zap.Logger) {
	usernames := make([]string, 0, len(usage))
	for username := range usage {
		if username != backend.TotalUsageKey {
			usernames = append(usernames, username)
		}
	}
	if len(usernames) == 0 {
		return
	}
	sort.Strings(usernames)

	records, err := p.cp.ListComponentUsages(ctx, resource.UUID)
	if err != nil {
		logger.Error("unable to list usage records", zap.Error(err))
		return
	}
	recordByComponent := make(map[string]*models.ComponentUsageRecord, len(records))
	for _, record := range records {
		recordByComponent[record.Type] = record
	}

	for _, username := range usernames {
		offeringUser, err := p.resolveOfferingUser(ctx, username)
		if err != nil {
			logger.Error("unable to resolve offering user",
				zap.String("username", username),
				zap.Error(err),
			)
			continue
		}
		// A username without an offering user still gets its share
		// recorded, just without the user reference.
		offeringUserUUID := ""
		if offeringUser != nil {
			offeringUserUUID = offeringUser.UUID
		} else {
			logger.Info("no offering user for username, submitting unattributed",
				zap.String("username", username))
		}

		for _, component := range sortedKeys(usage[username]) {
			record, ok := recordByComponent[component]
			if !ok {
				continue
			}
			amount := usage[username][component]
			if err := p.cp.CreateComponentUserUsage(ctx, record.UUID, offeringUserUUID, username, amount); err != nil {
				logger.Error("unable to submit user usage",
					zap.String("username", username),
					zap.String("component", component),
					zap.Error(err),
				)
				continue
			}
			ops.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "user").Inc()
		}
	}
}

func (p *ReportProcessor) resolveOfferingUser(ctx context.Context, username string) (*models.OfferingUser, error) {
	users, err := p.cp.ListOfferingUsers(ctx, waldur.OfferingUserFilter{
		OfferingUUID: p.offering.UUID,
		Username:     username,
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
