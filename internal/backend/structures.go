package backend

// TotalUsageKey is the synthetic username holding the account-wide usage sum
// in a usage report.
const TotalUsageKey = "TOTAL_ACCOUNT_USAGE"

// Account is a cluster accounting account.
type Account struct {
	Name         string
	Description  string
	Organization string
}

// Association is a user's access grant on an account.
type Association struct {
	Account string
	User    string
	Value   int64
}

// Usage maps username -> component -> amount in control-plane units. The
// TotalUsageKey entry holds the component-wise sum over all users.
type Usage map[string]map[string]float64

// Total returns the synthetic account-wide entry, or nil if absent.
func (u Usage) Total() map[string]float64 {
	return u[TotalUsageKey]
}

// Resource is the cluster-side view of one marketplace resource.
type Resource struct {
	BackendType     string
	Name            string
	MarketplaceUUID string

	// ScopeUUID identifies the backing scope object on the control plane,
	// when the offering resource has one.
	ScopeUUID string

	// BackendID is the account name on the cluster; it is the join key
	// between the two systems of record.
	BackendID string

	State  string
	Limits map[string]int64

	RestrictMemberAccess bool
	Downscaled           bool
	Paused               bool

	Users []string
	Usage Usage
}

// ResourceDescriptor carries everything needed to create the cluster-side
// account hierarchy for a new resource.
type ResourceDescriptor struct {
	UUID         string
	Name         string
	Slug         string
	ProjectSlug  string
	CustomerSlug string
	ProjectName  string
	CustomerName string

	// Limits are the requested quotas in control-plane units, keyed by
	// component name.
	Limits map[string]int64
}
