// Package models defines control-plane records exchanged with the
// marketplace API.
package models

// OrderState is the lifecycle state of a marketplace order.
type OrderState string

const (
	OrderStatePendingProvider OrderState = "pending-provider"
	OrderStateExecuting       OrderState = "executing"
	OrderStateDone            OrderState = "done"
	OrderStateErred           OrderState = "erred"
)

// Terminal reports whether the state is final. Terminal orders never return
// to a non-terminal state.
func (s OrderState) Terminal() bool {
	return s == OrderStateDone || s == OrderStateErred
}

// OrderType is the change requested by an order.
type OrderType string

const (
	OrderTypeCreate    OrderType = "Create"
	OrderTypeUpdate    OrderType = "Update"
	OrderTypeTerminate OrderType = "Terminate"
)

// Order is a pending change request against a marketplace resource.
type Order struct {
	UUID  string     `json:"uuid"`
	Type  OrderType  `json:"type"`
	State OrderState `json:"state"`

	ResourceName string `json:"resource_name"`

	// MarketplaceResourceUUID is empty until the control plane has
	// materialized the resource for a Create order.
	MarketplaceResourceUUID string `json:"marketplace_resource_uuid"`

	// ResourceUUID identifies the backing scope object when the offering
	// resource is itself backed by one; empty until materialized.
	ResourceUUID string `json:"resource_uuid"`

	ProjectSlug  string `json:"project_slug"`
	CustomerSlug string `json:"customer_slug"`

	// Limits carries the new limits for Update orders.
	Limits map[string]int64 `json:"limits"`

	Attributes OrderAttributes `json:"attributes"`
}

// OrderAttributes holds free-form order attributes used for logging.
type OrderAttributes struct {
	Name      string           `json:"name"`
	OldLimits map[string]int64 `json:"old_limits"`
}

// ResourceState is the control-plane state of a marketplace resource.
type ResourceState string

const (
	ResourceStateCreating   ResourceState = "Creating"
	ResourceStateOK         ResourceState = "OK"
	ResourceStateErred      ResourceState = "Erred"
	ResourceStateTerminated ResourceState = "Terminated"
)

// Resource is the control-plane record of a purchased allocation.
type Resource struct {
	UUID      string        `json:"uuid"`
	Name      string        `json:"name"`
	State     ResourceState `json:"state"`
	BackendID string        `json:"backend_id"`

	// ResourceUUID points at the backing scope object, when present.
	ResourceUUID string `json:"resource_uuid"`

	Slug         string `json:"slug"`
	ProjectSlug  string `json:"project_slug"`
	CustomerSlug string `json:"customer_slug"`
	ProjectName  string `json:"project_name"`
	CustomerName string `json:"customer_name"`

	Limits map[string]int64 `json:"limits"`

	RestrictMemberAccess bool `json:"restrict_member_access"`
	Downscaled           bool `json:"downscaled"`
	Paused               bool `json:"paused"`
}

// TeamMember is one member of a resource's project team.
type TeamMember struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

// OfferingUser links a control-plane user to their username on the backend.
type OfferingUser struct {
	UUID         string `json:"uuid"`
	UserUUID     string `json:"user_uuid"`
	Username     string `json:"username"`
	IsRestricted bool   `json:"is_restricted"`
}

// OfferingComponent is one accounting component declared on an offering.
type OfferingComponent struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	MeasuredUnit string `json:"measured_unit"`
	LimitAmount  int64  `json:"limit_amount"`
}

// Offering is the provider view of a catalog entry.
type Offering struct {
	UUID         string              `json:"uuid"`
	Name         string              `json:"name"`
	State        string              `json:"state"`
	CustomerName string              `json:"customer_name"`
	Components   []OfferingComponent `json:"components"`
}

// PlanPeriod is the billing period usage is submitted against.
type PlanPeriod struct {
	UUID  string `json:"uuid"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// ComponentUsage is one total-usage value submitted for a billing period.
type ComponentUsage struct {
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
}

// ComponentUsageRecord is a usage-tracking record of the current accounting
// month, targeted by per-user usage submissions.
type ComponentUsageRecord struct {
	UUID string `json:"uuid"`
	Type string `json:"type"`
}

// ErrorDetails carries the message and stack trace attached to erred orders
// and resources.
type ErrorDetails struct {
	Message   string `json:"error_message"`
	Traceback string `json:"error_traceback,omitempty"`
}

// User is the authenticated control-plane identity of the agent.
type User struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	IsStaff  bool   `json:"is_staff"`
}
