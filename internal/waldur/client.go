// Package waldur is a REST client for the marketplace control plane.
package waldur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"site-agent-go/internal/models"
)

const defaultTimeout = 30 * time.Second

// Client talks to one Waldur deployment on behalf of one offering.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// StatusError is returned when the control plane answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Code, e.Body)
}

// NewClient creates a client for the given API root and token.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Body: string(raw)})
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

// CurrentUser returns the identity the API token authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/api/users/me/", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOffering fetches the provider view of an offering.
func (c *Client) GetOffering(ctx context.Context, offeringUUID string) (*models.Offering, error) {
	var offering models.Offering
	path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/", offeringUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &offering); err != nil {
		return nil, err
	}
	return &offering, nil
}

// ListOrders returns orders of the offering in the given state.
func (c *Client) ListOrders(ctx context.Context, offeringUUID string, state models.OrderState) ([]*models.Order, error) {
	query := url.Values{}
	query.Set("offering_uuid", offeringUUID)
	query.Set("state", string(state))

	var orders []*models.Order
	if err := c.do(ctx, http.MethodGet, "/api/marketplace-orders/", query, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrder refreshes a single order.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*models.Order, error) {
	var order models.Order
	path := fmt.Sprintf("/api/marketplace-orders/%s/", orderUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ApproveOrder moves a pending order into execution.
func (c *Client) ApproveOrder(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/approve_by_provider/", orderUUID)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// MarkOrderDone reports successful completion of an order.
func (c *Client) MarkOrderDone(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_done/", orderUUID)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// MarkOrderErred reports order failure together with its error details.
func (c *Client) MarkOrderErred(ctx context.Context, orderUUID string, details models.ErrorDetails) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_erred/", orderUUID)
	return c.do(ctx, http.MethodPost, path, nil, details, nil)
}

// GetResource fetches a marketplace resource.
func (c *Client) GetResource(ctx context.Context, resourceUUID string) (*models.Resource, error) {
	var resource models.Resource
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/", resourceUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

// ResourceFilter narrows FilterResources queries.
type ResourceFilter struct {
	OfferingUUID string
	States       []models.ResourceState
}

// FilterResources lists resources of an offering, optionally by state.
func (c *Client) FilterResources(ctx context.Context, filter ResourceFilter) ([]*models.Resource, error) {
	query := url.Values{}
	query.Set("offering_uuid", filter.OfferingUUID)
	for _, state := range filter.States {
		query.Add("state", string(state))
	}

	var resources []*models.Resource
	if err := c.do(ctx, http.MethodGet, "/api/marketplace-provider-resources/", query, nil, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// SetResourceBackendID stores the backend identifier on a resource.
func (c *Client) SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_backend_id/", resourceUUID)
	payload := map[string]string{"backend_id": backendID}
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// SetResourceLimits mirrors backend limits onto the resource record.
func (c *Client) SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int64) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_limits/", resourceUUID)
	payload := map[string]map[string]int64{"limits": limits}
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// SetResourceBackendMetadata stores backend state details on the resource.
func (c *Client) SetResourceBackendMetadata(ctx context.Context, resourceUUID string, metadata map[string]string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_backend_metadata/", resourceUUID)
	payload := map[string]map[string]string{"backend_metadata": metadata}
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// MarkResourceErred moves a resource to the Erred state with error details.
func (c *Client) MarkResourceErred(ctx context.Context, resourceUUID string, details models.ErrorDetails) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_as_erred/", resourceUUID)
	return c.do(ctx, http.MethodPost, path, nil, details, nil)
}

// MarkResourceOK moves a resource back to the OK state.
func (c *Client) MarkResourceOK(ctx context.Context, resourceUUID string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_as_ok/", resourceUUID)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// GetTeam lists members of the project team behind a resource.
func (c *Client) GetTeam(ctx context.Context, resourceUUID string) ([]*models.TeamMember, error) {
	var team []*models.TeamMember
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/team/", resourceUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &team); err != nil {
		return nil, err
	}
	return team, nil
}

// OfferingUserFilter narrows ListOfferingUsers queries.
type OfferingUserFilter struct {
	OfferingUUID   string
	UserUUID       string
	Username       string
	OmitRestricted bool
}

// ListOfferingUsers lists backend usernames registered for an offering.
func (c *Client) ListOfferingUsers(ctx context.Context, filter OfferingUserFilter) ([]*models.OfferingUser, error) {
	query := url.Values{}
	query.Set("offering_uuid", filter.OfferingUUID)
	if filter.UserUUID != "" {
		query.Set("user_uuid", filter.UserUUID)
	}
	if filter.Username != "" {
		query.Set("username", filter.Username)
	}
	if filter.OmitRestricted {
		query.Set("is_restricted", "false")
	}

	var users []*models.OfferingUser
	if err := c.do(ctx, http.MethodGet, "/api/marketplace-offering-users/", query, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListPlanPeriods lists billing plan periods of a resource, most recent first.
func (c *Client) ListPlanPeriods(ctx context.Context, resourceUUID string) ([]*models.PlanPeriod, error) {
	var periods []*models.PlanPeriod
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/plan_periods/", resourceUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// ListComponentUsages lists the usage records of the current accounting month.
func (c *Client) ListComponentUsages(ctx context.Context, resourceUUID string) ([]*models.ComponentUsageRecord, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	query := url.Values{}
	query.Set("resource_uuid", resourceUUID)
	query.Set("date_after", monthStart.Format("2006-01-02"))

	var records []*models.ComponentUsageRecord
	if err := c.do(ctx, http.MethodGet, "/api/marketplace-component-usages/", query, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateComponentUsages submits total usage values for a plan period.
func (c *Client) CreateComponentUsages(ctx context.Context, planPeriodUUID string, usages []models.ComponentUsage) error {
	payload := map[string]any{
		"plan_period": planPeriodUUID,
		"usages":      usages,
	}
	return c.do(ctx, http.MethodPost, "/api/marketplace-component-usages/set_usage/", nil, payload, nil)
}

// CreateComponentUserUsage attributes part of a usage record to one user.
// An empty offering user uuid submits the share without a user reference.
func (c *Client) CreateComponentUserUsage(ctx context.Context, usageUUID, offeringUserUUID, username string, amount float64) error {
	path := fmt.Sprintf("/api/marketplace-component-usages/%s/set_user_usage/", usageUUID)
	var user any
	if offeringUserUUID != "" {
		user = offeringUserUUID
	}
	payload := map[string]any{
		"user":     user,
		"username": username,
		"usage":    amount,
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}
