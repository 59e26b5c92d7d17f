// Package slurm manages accounts, associations, usage and limits in a SLURM
// cluster through its accounting command-line tools.
package slurm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/config"
)

// BackendType identifies this backend kind in offering configuration.
const BackendType = "slurm"

// Backend implements backend.Backend on top of the SLURM accounting client.
type Backend struct {
	client     *Client
	settings   config.BackendSettings
	components map[string]config.Component
	logger     *zap.Logger
}

// NewBackend creates a SLURM backend for one offering.
func NewBackend(offering *config.Offering, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		client:     NewClient(logger),
		settings:   offering.Settings,
		components: offering.Components,
		logger:     logger,
	}
}

// Type returns the backend kind.
func (b *Backend) Type() string { return BackendType }

// Ping checks that the accounting subsystem responds.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.ListAccounts(ctx)
	return err
}

// ListComponents returns the accounting components available in the cluster.
func (b *Backend) ListComponents(ctx context.Context) ([]string, error) {
	return b.client.ListTRES(ctx)
}

// Diagnose verifies the cluster is usable: the accounting tools respond, the
// configured default account exists and the declared components are known to
// the cluster.
func (b *Backend) Diagnose(ctx context.Context) error {
	defaultAccount, err := b.client.GetAccount(ctx, b.settings.DefaultAccount)
	if err != nil {
		return err
	}
	if defaultAccount == nil {
		return backend.NewError("diagnose", "",
			fmt.Errorf("default account %q does not exist on the cluster", b.settings.DefaultAccount))
	}

	tres, err := b.client.ListTRES(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("cluster accounting components", zap.Strings("tres", tres))

	known := make(map[string]bool, len(tres))
	for _, name := range tres {
		known[name] = true
	}
	for name, component := range b.components {
		b.logger.Info("offering component",
			zap.String("component", name),
			zap.String("accounting_type", component.AccountingType),
			zap.String("measured_unit", component.MeasuredUnit),
			zap.Int64("unit_factor", component.UnitFactor),
		)
		if !known[name] {
			b.logger.Warn("component is not a known cluster accounting dimension",
				zap.String("component", name))
		}
	}
	return nil
}

func (b *Backend) customerAccount(slug string) string {
	return b.settings.CustomerPrefix + slug
}

func (b *Backend) projectAccount(slug string) string {
	return b.settings.ProjectPrefix + slug
}

func (b *Backend) allocationAccount(slug string) string {
	return sanitizeAccountName(
		b.settings.AllocationPrefix+slug,
		b.settings.AccountNameMaxLength,
	)
}

// CreateResource builds the customer/project/allocation account hierarchy
// and applies the initial limits. Creation is idempotent: accounts already
// present are left as they are.
func (b *Backend) CreateResource(ctx context.Context, descriptor *backend.ResourceDescriptor) (*backend.Resource, error) {
	customerAccount := b.customerAccount(descriptor.CustomerSlug)
	projectAccount := b.projectAccount(descriptor.ProjectSlug)
	allocationAccount := b.allocationAccount(descriptor.Slug)

	if allocationAccount == "" {
		return nil, backend.NewError("create resource", "",
			fmt.Errorf("allocation slug %q yields an empty account name", descriptor.Slug))
	}

	if err := b.ensureAccount(ctx, customerAccount, descriptor.CustomerName, customerAccount, ""); err != nil {
		return nil, err
	}
	if err := b.ensureAccount(ctx, projectAccount, descriptor.ProjectName, projectAccount, customerAccount); err != nil {
		return nil, err
	}
	if err := b.ensureAccount(ctx, allocationAccount, descriptor.Name, projectAccount, projectAccount); err != nil {
		return nil, err
	}

	nativeLimits, waldurLimits := b.collectLimits(descriptor.Limits)
	b.logger.Info("setting allocation limits",
		zap.String("account", allocationAccount),
		zap.String("limits", formatLimits(nativeLimits)),
	)
	if err := b.client.SetResourceLimits(ctx, allocationAccount, nativeLimits); err != nil {
		return nil, err
	}

	return &backend.Resource{
		BackendType:     BackendType,
		Name:            descriptor.Name,
		MarketplaceUUID: descriptor.UUID,
		BackendID:       allocationAccount,
		Limits:          waldurLimits,
	}, nil
}

func (b *Backend) ensureAccount(ctx context.Context, name, description, organization, parent string) error {
	existing, err := b.client.GetAccount(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		b.logger.Info("account already exists, skipping creation", zap.String("account", name))
		return nil
	}

	b.logger.Info("creating account",
		zap.String("account", name),
		zap.String("description", description),
		zap.String("parent", parent),
	)
	return b.client.CreateAccount(ctx, name, description, organization, parent)
}

// collectLimits computes the native limits to apply on the cluster and the
// control-plane limits to mirror back. Usage-based components get their
// configured default quota, limit-based components the requested values.
func (b *Backend) collectLimits(requested map[string]int64) (map[string]int64, map[string]int64) {
	nativeLimits := usageBasedLimits(b.components)
	waldurLimits := make(map[string]int64)

	for name, component := range b.components {
		switch component.AccountingType {
		case config.AccountingTypeLimit:
			value := requested[name]
			nativeLimits[name] = toNativeUnits(component, value)
			waldurLimits[name] = value
		case config.AccountingTypeUsage:
			waldurLimits[name] = component.DefaultLimit
		}
	}

	return nativeLimits, waldurLimits
}

// DeleteResource removes the allocation account and, when it held the last
// allocation of its project, the project account as well.
func (b *Backend) DeleteResource(ctx context.Context, backendID, projectSlug string) error {
	if strings.TrimSpace(backendID) == "" {
		return backend.NewError("delete resource", "",
			fmt.Errorf("empty backend id for resource, refusing deletion"))
	}

	if err := b.deleteAccountIfPresent(ctx, backendID); err != nil {
		return err
	}

	if projectSlug == "" {
		return nil
	}

	projectAccount := b.projectAccount(projectSlug)
	empty, err := b.projectHasNoAllocations(ctx, projectAccount)
	if err != nil {
		return err
	}
	if empty {
		b.logger.Info("project has no remaining allocations, removing its account",
			zap.String("account", projectAccount))
		return b.deleteAccountIfPresent(ctx, projectAccount)
	}
	return nil
}

func (b *Backend) deleteAccountIfPresent(ctx context.Context, name string) error {
	account, err := b.client.GetAccount(ctx, name)
	if err != nil {
		return err
	}
	if account == nil {
		b.logger.Warn("account is already absent", zap.String("account", name))
		return nil
	}
	b.logger.Info("deleting account", zap.String("account", name))
	return b.client.DeleteAccount(ctx, name)
}

func (b *Backend) projectHasNoAllocations(ctx context.Context, projectAccount string) (bool, error) {
	accounts, err := b.client.ListAccounts(ctx)
	if err != nil {
		return false, err
	}
	for _, account := range accounts {
		if account.Organization == projectAccount && account.Name != projectAccount {
			return false, nil
		}
	}
	return true, nil
}

// PullResources reads cluster-side state for the requested resources.
// Resources absent on the cluster are omitted; a failure to pull one
// resource is logged and does not abort the rest.
func (b *Backend) PullResources(ctx context.Context, resources []*backend.Resource) (map[string]*backend.Resource, error) {
	report := make(map[string]*backend.Resource, len(resources))
	for _, resource := range resources {
		pulled, err := b.pullResource(ctx, resource)
		if err != nil {
			b.logger.Error("error while pulling resource",
				zap.String("backend_id", resource.BackendID),
				zap.Error(err),
			)
			continue
		}
		if pulled != nil {
			report[resource.BackendID] = pulled
		}
	}
	return report, nil
}

func (b *Backend) pullResource(ctx context.Context, info *backend.Resource) (*backend.Resource, error) {
	account := info.BackendID
	b.logger.Info("pulling resource", zap.String("account", account))

	existing, err := b.client.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		b.logger.Warn("account is missing on the cluster", zap.String("account", account))
		return nil, nil
	}

	users, err := b.client.ListAccountUsers(ctx, account)
	if err != nil {
		return nil, err
	}

	usageByAccount, err := b.usageReport(ctx, []string{account})
	if err != nil {
		return nil, err
	}
	usage, ok := usageByAccount[account]
	if !ok {
		usage = b.emptyUsage()
	}

	nativeLimits, err := b.client.GetResourceLimits(ctx, account)
	if err != nil {
		return nil, err
	}
	limits := make(map[string]int64)
	for name, value := range nativeLimits {
		component, declared := b.components[name]
		if !declared {
			continue
		}
		limits[name] = int64(toWaldurUnits(component, float64(value), true))
	}

	return &backend.Resource{
		BackendType:          BackendType,
		Name:                 info.Name,
		MarketplaceUUID:      info.MarketplaceUUID,
		ScopeUUID:            info.ScopeUUID,
		BackendID:            account,
		State:                info.State,
		RestrictMemberAccess: info.RestrictMemberAccess,
		Downscaled:           info.Downscaled,
		Paused:               info.Paused,
		Users:                users,
		Usage:                usage,
		Limits:               limits,
	}, nil
}

// emptyUsage reports zero for every declared component, so an account with
// no ledger lines this month still submits a complete usage row.
func (b *Backend) emptyUsage() backend.Usage {
	zeroes := make(map[string]float64, len(b.components))
	for name := range b.components {
		zeroes[name] = 0
	}
	return backend.Usage{backend.TotalUsageKey: zeroes}
}

// usageReport aggregates this month's ledger lines per account: values are
// summed per (account, user) and per component, a synthetic total row is
// derived per account, and everything is converted to control-plane units.
func (b *Backend) usageReport(ctx context.Context, accounts []string) (map[string]backend.Usage, error) {
	lines, err := b.client.GetUsageReport(ctx, accounts)
	if err != nil {
		return nil, err
	}

	native := make(map[string]map[string]map[string]int64)
	for _, line := range lines {
		perUser := native[line.Account]
		if perUser == nil {
			perUser = make(map[string]map[string]int64)
			native[line.Account] = perUser
		}
		perComponent := perUser[line.User]
		if perComponent == nil {
			perComponent = make(map[string]int64)
			perUser[line.User] = perComponent
		}
		for component, value := range line.Usage {
			if _, declared := b.components[component]; declared {
				perComponent[component] += value
			}
		}
	}

	for _, perUser := range native {
		total := make(map[string]int64)
		for _, perComponent := range perUser {
			sumInto(total, perComponent)
		}
		perUser[backend.TotalUsageKey] = total
	}

	report := make(map[string]backend.Usage, len(native))
	for account, perUser := range native {
		usage := make(backend.Usage, len(perUser))
		for username, perComponent := range perUser {
			converted := make(map[string]float64, len(perComponent))
			for component, value := range perComponent {
				converted[component] = toWaldurUnits(b.components[component], float64(value), false)
			}
			usage[username] = converted
		}
		report[account] = usage
	}
	return report, nil
}

// AddUsersToResource grants access to the listed users. Only missing
// associations are created; per-user failures are logged and skipped so one
// bad user does not block the batch.
func (b *Backend) AddUsersToResource(ctx context.Context, backendID string, usernames []string) ([]string, error) {
	if strings.TrimSpace(backendID) == "" {
		return nil, backend.NewError("add users", "",
			fmt.Errorf("empty backend id for resource"))
	}

	added := make([]string, 0, len(usernames))
	for _, username := range usernames {
		created, err := b.ensureAssociation(ctx, backendID, username)
		if err != nil {
			b.logger.Error("unable to add user to account",
				zap.String("username", username),
				zap.String("account", backendID),
				zap.Error(err),
			)
			continue
		}
		if created {
			added = append(added, username)
		}
	}
	sort.Strings(added)

	if b.settings.CreateHomeDirs {
		b.createHomeDirs(ctx, added)
	}

	return added, nil
}

func (b *Backend) ensureAssociation(ctx context.Context, account, username string) (bool, error) {
	association, err := b.client.GetAssociation(ctx, username, account)
	if err != nil {
		return false, err
	}
	if association != nil {
		return false, nil
	}

	b.logger.Info("creating association",
		zap.String("username", username),
		zap.String("account", account),
	)
	if err := b.client.CreateAssociation(ctx, username, account, b.settings.DefaultAccount); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) createHomeDirs(ctx context.Context, usernames []string) {
	for _, username := range usernames {
		if err := b.client.CreateHomeDir(ctx, username, b.settings.HomeDirUmask); err != nil {
			b.logger.Error("unable to create home directory",
				zap.String("username", username),
				zap.Error(err),
			)
			continue
		}
		b.logger.Info("home directory created", zap.String("username", username))
	}
}

// RemoveUsersFromAccount revokes access for the listed users, skipping
// associations that are already gone.
func (b *Backend) RemoveUsersFromAccount(ctx context.Context, backendID string, usernames []string) error {
	for _, username := range usernames {
		association, err := b.client.GetAssociation(ctx, username, backendID)
		if err != nil {
			return err
		}
		if association == nil {
			b.logger.Warn("association is already absent",
				zap.String("username", username),
				zap.String("account", backendID),
			)
			continue
		}
		b.logger.Info("removing association",
			zap.String("username", username),
			zap.String("account", backendID),
		)
		if err := b.client.DeleteAssociation(ctx, username, backendID); err != nil {
			return err
		}
	}
	return nil
}

// SetResourceLimits converts limit values to native units and applies them.
func (b *Backend) SetResourceLimits(ctx context.Context, backendID string, limits map[string]int64) error {
	nativeLimits := make(map[string]int64, len(limits))
	for name, value := range limits {
		component, declared := b.components[name]
		if !declared {
			return backend.NewError("set limits", "",
				fmt.Errorf("component %q is not declared on the offering", name))
		}
		nativeLimits[name] = toNativeUnits(component, value)
	}
	return b.client.SetResourceLimits(ctx, backendID, nativeLimits)
}

// DownscaleResource applies the downscaled QoS class. Returns false when no
// QoS is configured for downscaling.
func (b *Backend) DownscaleResource(ctx context.Context, backendID string) (bool, error) {
	return b.applyQOS(ctx, backendID, b.settings.QOSDownscaled, "downscale")
}

// PauseResource applies the paused QoS class. Returns false when no QoS is
// configured for pausing.
func (b *Backend) PauseResource(ctx context.Context, backendID string) (bool, error) {
	return b.applyQOS(ctx, backendID, b.settings.QOSPaused, "pause")
}

// RestoreResource resets the account to the default QoS class. Returns false
// when no default QoS is configured.
func (b *Backend) RestoreResource(ctx context.Context, backendID string) (bool, error) {
	return b.applyQOS(ctx, backendID, b.settings.QOSDefault, "restore")
}

func (b *Backend) applyQOS(ctx context.Context, account, qos, operation string) (bool, error) {
	if qos == "" {
		b.logger.Warn("no QoS configured, skipping operation",
			zap.String("operation", operation),
			zap.String("account", account),
		)
		return false, nil
	}

	b.logger.Info("applying QoS to account",
		zap.String("operation", operation),
		zap.String("account", account),
		zap.String("qos", qos),
	)
	if err := b.client.SetAccountQOS(ctx, account, qos); err != nil {
		return false, err
	}
	return true, nil
}

// ResourceMetadata snapshots backend state mirrored to the control plane.
func (b *Backend) ResourceMetadata(ctx context.Context, backendID string) (map[string]string, error) {
	qos, err := b.client.GetAccountQOS(ctx, backendID)
	if err != nil {
		return nil, err
	}

	limits, err := b.client.GetResourceLimits(ctx, backendID)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"qos":           qos,
		"grp_tres_mins": formatLimits(limits),
	}, nil
}
