// Package backend defines the capability interface for cluster accounting
// subsystems and the structures shared by its implementations.
package backend

import "context"

// TypeUnknown is the type reported by the Unsupported backend.
const TypeUnknown = "unknown"

// Backend is the set of accounting operations the reconciliation processors
// need from a cluster. Implementations must be idempotent for account and
// association creation as well as limit updates: the event-triggered path can
// invoke the same operation twice in close succession with the periodic pass.
type Backend interface {
	// Type returns the backend kind, e.g. "slurm".
	Type() string

	// Ping checks that the accounting subsystem is reachable.
	Ping(ctx context.Context) error

	// Diagnose runs the startup sanity checks: connectivity plus whatever
	// preconditions the backend needs to operate, logging what it finds.
	Diagnose(ctx context.Context) error

	// ListComponents returns the accounting components known to the cluster.
	ListComponents(ctx context.Context) ([]string, error)

	// CreateResource creates the account hierarchy for a new resource and
	// returns the cluster-side view with the assigned backend id and the
	// limit-based component limits in control-plane units.
	CreateResource(ctx context.Context, descriptor *ResourceDescriptor) (*Resource, error)

	// DeleteResource removes the resource account, dropping its associations
	// first. It is idempotent on accounts already absent. When projectSlug is
	// set and the project account has no remaining allocations, the project
	// account is removed as well.
	DeleteResource(ctx context.Context, backendID, projectSlug string) error

	// PullResources reads the cluster-side state for the requested resources.
	// Resources absent on the cluster are omitted from the result; callers
	// detect them by set difference.
	PullResources(ctx context.Context, resources []*Resource) (map[string]*Resource, error)

	// AddUsersToResource grants access to the listed users, creating only the
	// missing associations, and returns the usernames actually added.
	AddUsersToResource(ctx context.Context, backendID string, usernames []string) ([]string, error)

	// RemoveUsersFromAccount revokes access for the listed users, tolerating
	// already absent associations.
	RemoveUsersFromAccount(ctx context.Context, backendID string, usernames []string) error

	// SetResourceLimits applies limits given in control-plane units,
	// converting them to native units per component.
	SetResourceLimits(ctx context.Context, backendID string, limits map[string]int64) error

	// DownscaleResource, RestoreResource and PauseResource apply the QoS
	// class configured for the offering. They return false, not an error,
	// when no matching QoS is configured.
	DownscaleResource(ctx context.Context, backendID string) (bool, error)
	RestoreResource(ctx context.Context, backendID string) (bool, error)
	PauseResource(ctx context.Context, backendID string) (bool, error)

	// ResourceMetadata returns a free-form snapshot of backend state mirrored
	// to the control plane for observability.
	ResourceMetadata(ctx context.Context, backendID string) (map[string]string, error)
}

// Unsupported is the backend substituted for unrecognized backend kinds. It
// fails every operation with ErrUnsupported instead of pretending to work, so
// misconfigured offerings surface at startup rather than silently no-op.
type Unsupported struct {
	Kind string
}

func (u *Unsupported) Type() string { return TypeUnknown }

func (u *Unsupported) Ping(context.Context) error { return ErrUnsupported }

func (u *Unsupported) Diagnose(context.Context) error { return ErrUnsupported }

func (u *Unsupported) ListComponents(context.Context) ([]string, error) {
	return nil, ErrUnsupported
}

func (u *Unsupported) CreateResource(context.Context, *ResourceDescriptor) (*Resource, error) {
	return nil, ErrUnsupported
}

func (u *Unsupported) DeleteResource(context.Context, string, string) error {
	return ErrUnsupported
}

func (u *Unsupported) PullResources(context.Context, []*Resource) (map[string]*Resource, error) {
	return nil, ErrUnsupported
}

func (u *Unsupported) AddUsersToResource(context.Context, string, []string) ([]string, error) {
	return nil, ErrUnsupported
}

func (u *Unsupported) RemoveUsersFromAccount(context.Context, string, []string) error {
	return ErrUnsupported
}

func (u *Unsupported) SetResourceLimits(context.Context, string, map[string]int64) error {
	return ErrUnsupported
}

func (u *Unsupported) DownscaleResource(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}

func (u *Unsupported) RestoreResource(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}

func (u *Unsupported) PauseResource(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}

func (u *Unsupported) ResourceMetadata(context.Context, string) (map[string]string, error) {
	return nil, ErrUnsupported
}
