package processor

import (
	"context"
	"fmt"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/models"
	"site-agent-go/internal/waldur"
)

// fakeControlPlane is an in-memory stand-in for the marketplace API that
// records every mutation the processors issue.
type fakeControlPlane struct {
	orders        map[string]*models.Order
	resources     map[string]*models.Resource
	team          []*models.TeamMember
	offeringUsers []*models.OfferingUser
	planPeriods   []*models.PlanPeriod
	usageRecords  []*models.ComponentUsageRecord

	// materializeOnApprove fills the order's resource references when the
	// provider approves it, the way the real control plane does.
	materializeOnApprove map[string][2]string

	approved        []string
	done            []string
	erredOrders     map[string]models.ErrorDetails
	erredResources  map[string]models.ErrorDetails
	okResources     []string
	backendIDs      map[string]string
	mirroredLimits  map[string]map[string]int64
	metadata        map[string]map[string]string
	submittedUsages map[string][]models.ComponentUsage
	userUsages      []userUsageCall

	listOrdersErr    error
	listResourcesErr error
}

type userUsageCall struct {
	RecordUUID       string
	OfferingUserUUID string
	Username         string
	Amount           float64
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		orders:               make(map[string]*models.Order),
		resources:            make(map[string]*models.Resource),
		materializeOnApprove: make(map[string][2]string),
		erredOrders:          make(map[string]models.ErrorDetails),
		erredResources:       make(map[string]models.ErrorDetails),
		backendIDs:           make(map[string]string),
		mirroredLimits:       make(map[string]map[string]int64),
		metadata:             make(map[string]map[string]string),
		submittedUsages:      make(map[string][]models.ComponentUsage),
	}
}

func (f *fakeControlPlane) CurrentUser(context.Context) (*models.User, error) {
	return &models.User{UUID: "agent-user", Username: "site-agent"}, nil
}

func (f *fakeControlPlane) GetOffering(_ context.Context, offeringUUID string) (*models.Offering, error) {
	return &models.Offering{UUID: offeringUUID, Name: "hpc-offering", State: "Active"}, nil
}

func (f *fakeControlPlane) ListOrders(_ context.Context, _ string, state models.OrderState) ([]*models.Order, error) {
	if f.listOrdersErr != nil {
		return nil, f.listOrdersErr
	}
	var orders []*models.Order
	for _, order := range f.orders {
		if order.State == state {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (f *fakeControlPlane) GetOrder(_ context.Context, orderUUID string) (*models.Order, error) {
	order, ok := f.orders[orderUUID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderUUID)
	}
	copied := *order
	return &copied, nil
}

func (f *fakeControlPlane) ApproveOrder(_ context.Context, orderUUID string) error {
	f.approved = append(f.approved, orderUUID)
	order := f.orders[orderUUID]
	order.State = models.OrderStateExecuting
	if refs, ok := f.materializeOnApprove[orderUUID]; ok {
		order.MarketplaceResourceUUID = refs[0]
		order.ResourceUUID = refs[1]
	}
	return nil
}

func (f *fakeControlPlane) MarkOrderDone(_ context.Context, orderUUID string) error {
	f.done = append(f.done, orderUUID)
	f.orders[orderUUID].State = models.OrderStateDone
	return nil
}

func (f *fakeControlPlane) MarkOrderErred(_ context.Context, orderUUID string, details models.ErrorDetails) error {
	f.erredOrders[orderUUID] = details
	f.orders[orderUUID].State = models.OrderStateErred
	return nil
}

func (f *fakeControlPlane) GetResource(_ context.Context, resourceUUID string) (*models.Resource, error) {
	resource, ok := f.resources[resourceUUID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceUUID)
	}
	copied := *resource
	return &copied, nil
}

func (f *fakeControlPlane) FilterResources(_ context.Context, filter waldur.ResourceFilter) ([]*models.Resource, error) {
	if f.listResourcesErr != nil {
		return nil, f.listResourcesErr
	}
	wanted := make(map[models.ResourceState]bool, len(filter.States))
	for _, state := range filter.States {
		wanted[state] = true
	}
	var resources []*models.Resource
	for _, resource := range f.resources {
		if len(wanted) == 0 || wanted[resource.State] {
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

func (f *fakeControlPlane) SetResourceBackendID(_ context.Context, resourceUUID, backendID string) error {
	f.backendIDs[resourceUUID] = backendID
	if resource, ok := f.resources[resourceUUID]; ok {
		resource.BackendID = backendID
	}
	return nil
}

func (f *fakeControlPlane) SetResourceLimits(_ context.Context, resourceUUID string, limits map[string]int64) error {
	f.mirroredLimits[resourceUUID] = limits
	return nil
}

func (f *fakeControlPlane) SetResourceBackendMetadata(_ context.Context, resourceUUID string, metadata map[string]string) error {
	f.metadata[resourceUUID] = metadata
	return nil
}

func (f *fakeControlPlane) MarkResourceErred(_ context.Context, resourceUUID string, details models.ErrorDetails) error {
	f.erredResources[resourceUUID] = details
	if resource, ok := f.resources[resourceUUID]; ok {
		resource.State = models.ResourceStateErred
	}
	return nil
}

func (f *fakeControlPlane) MarkResourceOK(_ context.Context, resourceUUID string) error {
	f.okResources = append(f.okResources, resourceUUID)
	if resource, ok := f.resources[resourceUUID]; ok {
		resource.State = models.ResourceStateOK
	}
	return nil
}

func (f *fakeControlPlane) GetTeam(_ context.Context, _ string) ([]*models.TeamMember, error) {
	return f.team, nil
}

func (f *fakeControlPlane) ListOfferingUsers(_ context.Context, filter waldur.OfferingUserFilter) ([]*models.OfferingUser, error) {
	var users []*models.OfferingUser
	for _, user := range f.offeringUsers {
		if filter.UserUUID != "" && user.UserUUID != filter.UserUUID {
			continue
		}
		if filter.Username != "" && user.Username != filter.Username {
			continue
		}
		if filter.OmitRestricted && user.IsRestricted {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

func (f *fakeControlPlane) ListPlanPeriods(_ context.Context, _ string) ([]*models.PlanPeriod, error) {
	return f.planPeriods, nil
}

func (f *fakeControlPlane) ListComponentUsages(_ context.Context, _ string) ([]*models.ComponentUsageRecord, error) {
	return f.usageRecords, nil
}

func (f *fakeControlPlane) CreateComponentUsages(_ context.Context, planPeriodUUID string, usages []models.ComponentUsage) error {
	f.submittedUsages[planPeriodUUID] = append(f.submittedUsages[planPeriodUUID], usages...)
	return nil
}

func (f *fakeControlPlane) CreateComponentUserUsage(_ context.Context, usageUUID, offeringUserUUID, username string, amount float64) error {
	f.userUsages = append(f.userUsages, userUsageCall{
		RecordUUID:       usageUUID,
		OfferingUserUUID: offeringUserUUID,
		Username:         username,
		Amount:           amount,
	})
	return nil
}

// fakeBackend is a scripted accounting backend recording every call.
type fakeBackend struct {
	typ string

	createResult *backend.Resource
	createErr    error
	created      []*backend.ResourceDescriptor

	deleteErr error
	deleted   []string

	pulled  map[string]*backend.Resource
	pullErr error

	added     map[string][]string
	addErr    error
	removed   map[string][]string
	removeErr error

	limitsSet    map[string]map[string]int64
	setLimitsErr error

	qosCalls   []string
	qosApplied bool
	qosErr     error

	metadata map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		typ:        "slurm",
		pulled:     make(map[string]*backend.Resource),
		added:      make(map[string][]string),
		removed:    make(map[string][]string),
		limitsSet:  make(map[string]map[string]int64),
		qosApplied: true,
		metadata:   map[string]string{"qos": "normal"},
	}
}

func (f *fakeBackend) Type() string { return f.typ }

func (f *fakeBackend) Ping(context.Context) error { return nil }

func (f *fakeBackend) Diagnose(context.Context) error { return nil }

func (f *fakeBackend) ListComponents(context.Context) ([]string, error) {
	return []string{"cpu", "mem"}, nil
}

func (f *fakeBackend) CreateResource(_ context.Context, descriptor *backend.ResourceDescriptor) (*backend.Resource, error) {
	f.created = append(f.created, descriptor)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeBackend) DeleteResource(_ context.Context, backendID, _ string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, backendID)
	return nil
}

func (f *fakeBackend) PullResources(_ context.Context, resources []*backend.Resource) (map[string]*backend.Resource, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	report := make(map[string]*backend.Resource)
	for _, resource := range resources {
		if pulled, ok := f.pulled[resource.BackendID]; ok {
			report[resource.BackendID] = pulled
		}
	}
	return report, nil
}

func (f *fakeBackend) AddUsersToResource(_ context.Context, backendID string, usernames []string) ([]string, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added[backendID] = append(f.added[backendID], usernames...)
	return usernames, nil
}

func (f *fakeBackend) RemoveUsersFromAccount(_ context.Context, backendID string, usernames []string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed[backendID] = append(f.removed[backendID], usernames...)
	return nil
}

func (f *fakeBackend) SetResourceLimits(_ context.Context, backendID string, limits map[string]int64) error {
	if f.setLimitsErr != nil {
		return f.setLimitsErr
	}
	f.limitsSet[backendID] = limits
	return nil
}

func (f *fakeBackend) DownscaleResource(_ context.Context, backendID string) (bool, error) {
	f.qosCalls = append(f.qosCalls, "downscale:"+backendID)
	return f.qosApplied, f.qosErr
}

func (f *fakeBackend) RestoreResource(_ context.Context, backendID string) (bool, error) {
	f.qosCalls = append(f.qosCalls, "restore:"+backendID)
	return f.qosApplied, f.qosErr
}

func (f *fakeBackend) PauseResource(_ context.Context, backendID string) (bool, error) {
	f.qosCalls = append(f.qosCalls, "pause:"+backendID)
	return f.qosApplied, f.qosErr
}

func (f *fakeBackend) ResourceMetadata(context.Context, string) (map[string]string, error) {
	return f.metadata, nil
}
