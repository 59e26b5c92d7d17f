package waldur

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"site-agent-go/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", zap.NewNop())
}

func TestListOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/marketplace-orders/", r.URL.Path)
		assert.Equal(t, "Token test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "offering-1", r.URL.Query().Get("offering_uuid"))
		assert.Equal(t, "pending-provider", r.URL.Query().Get("state"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"uuid": "order-1", "type": "Create", "state": "pending-provider", "resource_name": "alloc"},
			{"uuid": "order-2", "type": "Terminate", "state": "pending-provider"}
		]`))
	})

	orders, err := client.ListOrders(context.Background(), "offering-1", models.OrderStatePendingProvider)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "order-1", orders[0].UUID)
	assert.Equal(t, models.OrderTypeCreate, orders[0].Type)
	assert.Equal(t, "alloc", orders[0].ResourceName)
}

func TestMarkOrderErredSendsDetails(t *testing.T) {
	var received models.ErrorDetails
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/marketplace-orders/order-1/set_state_erred/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	})

	err := client.MarkOrderErred(context.Background(), "order-1", models.ErrorDetails{
		Message:   "account creation failed",
		Traceback: "stack",
	})
	require.NoError(t, err)
	assert.Equal(t, "account creation failed", received.Message)
	assert.Equal(t, "stack", received.Traceback)
}

func TestGetResource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/marketplace-provider-resources/res-1/", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"uuid": "res-1",
			"name": "Allocation",
			"state": "OK",
			"backend_id": "hpc-alloc",
			"limits": {"cpu": 100},
			"downscaled": true
		}`))
	})

	resource, err := client.GetResource(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, "hpc-alloc", resource.BackendID)
	assert.Equal(t, models.ResourceStateOK, resource.State)
	assert.Equal(t, map[string]int64{"cpu": 100}, resource.Limits)
	assert.True(t, resource.Downscaled)
}

func TestFilterResourcesByStates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"OK", "Erred"}, r.URL.Query()["state"])
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := client.FilterResources(context.Background(), ResourceFilter{
		OfferingUUID: "offering-1",
		States:       []models.ResourceState{models.ResourceStateOK, models.ResourceStateErred},
	})
	require.NoError(t, err)
}

func TestSetResourceLimitsPayload(t *testing.T) {
	var received map[string]map[string]int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/marketplace-provider-resources/res-1/set_limits/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	})

	err := client.SetResourceLimits(context.Background(), "res-1", map[string]int64{"cpu": 200})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"cpu": 200}, received["limits"])
}

func TestCreateComponentUsagesPayload(t *testing.T) {
	var received struct {
		PlanPeriod string                  `json:"plan_period"`
		Usages     []models.ComponentUsage `json:"usages"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/marketplace-component-usages/set_usage/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	})

	err := client.CreateComponentUsages(context.Background(), "period-1", []models.ComponentUsage{
		{Type: "cpu", Amount: 2.67},
	})
	require.NoError(t, err)
	assert.Equal(t, "period-1", received.PlanPeriod)
	require.Len(t, received.Usages, 1)
	assert.Equal(t, 2.67, received.Usages[0].Amount)
}

func TestCreateComponentUserUsagePayload(t *testing.T) {
	tests := []struct {
		name             string
		offeringUserUUID string
		wantUser         any
	}{
		{name: "attributed", offeringUserUUID: "ou-1", wantUser: "ou-1"},
		{name: "unattributed", offeringUserUUID: "", wantUser: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received map[string]any
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/marketplace-component-usages/record-cpu/set_user_usage/", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			})

			err := client.CreateComponentUserUsage(context.Background(), "record-cpu", tt.offeringUserUUID, "alice", 2.5)
			require.NoError(t, err)
			assert.Contains(t, received, "user")
			assert.Equal(t, tt.wantUser, received["user"])
			assert.Equal(t, "alice", received["username"])
			assert.Equal(t, 2.5, received["usage"])
		})
	}
}

func TestStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	_, err := client.GetOrder(context.Background(), "missing")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestListOfferingUsersFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "offering-1", query.Get("offering_uuid"))
		assert.Equal(t, "alice", query.Get("username"))
		assert.Equal(t, "false", query.Get("is_restricted"))
		_, _ = w.Write([]byte(`[{"uuid": "ou-1", "user_uuid": "u-1", "username": "alice"}]`))
	})

	users, err := client.ListOfferingUsers(context.Background(), OfferingUserFilter{
		OfferingUUID:   "offering-1",
		Username:       "alice",
		OmitRestricted: true,
	})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}
