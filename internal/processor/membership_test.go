package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/models"
)

func newMembershipProcessor(cp *fakeControlPlane, b *fakeBackend) *MembershipProcessor {
	return NewMembershipProcessor(cp, b, testOffering(), zap.NewNop())
}

func membershipFixture() (*fakeControlPlane, *fakeBackend) {
	cp := newFakeControlPlane()
	cp.resources[resourceUUID] = &models.Resource{
		UUID:      resourceUUID,
		Name:      "Team Allocation",
		State:     models.ResourceStateOK,
		BackendID: "hpc-team-alloc",
	}
	cp.offeringUsers = []*models.OfferingUser{
		{UUID: "ou-1", UserUUID: "u-1", Username: "alice"},
		{UUID: "ou-2", UserUUID: "u-2", Username: "old"},
		{UUID: "ou-3", UserUUID: "u-3", Username: "bob"},
	}
	cp.team = []*models.TeamMember{
		{UUID: "u-1", Username: "alice"},
		{UUID: "u-3", Username: "bob"},
	}

	b := newFakeBackend()
	b.pulled["hpc-team-alloc"] = &backend.Resource{
		BackendID: "hpc-team-alloc",
		Users:     []string{"alice", "old", "admin"},
	}
	return cp, b
}

func TestMembershipSyncAddsAndRemovesUsers(t *testing.T) {
	cp, b := membershipFixture()

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	// bob joined the team, old left it, admin is not managed and stays.
	assert.Equal(t, []string{"bob"}, b.added["hpc-team-alloc"])
	assert.Equal(t, []string{"old"}, b.removed["hpc-team-alloc"])
}

func TestMembershipSyncRestrictedRevokesTeamUsers(t *testing.T) {
	cp, b := membershipFixture()
	cp.resources[resourceUUID].RestrictMemberAccess = true

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	// alice is a managed team member and loses access. old already left
	// the team and admin is unmanaged, both keep their associations.
	assert.Empty(t, b.added["hpc-team-alloc"])
	assert.Equal(t, []string{"alice"}, b.removed["hpc-team-alloc"])
}

func TestMembershipSyncAppliesQOSState(t *testing.T) {
	tests := []struct {
		name       string
		downscaled bool
		paused     bool
		wantCall   string
	}{
		{name: "running resource restores", wantCall: "restore:hpc-team-alloc"},
		{name: "downscaled resource", downscaled: true, wantCall: "downscale:hpc-team-alloc"},
		{name: "paused resource", paused: true, wantCall: "pause:hpc-team-alloc"},
		{name: "paused wins over downscaled", downscaled: true, paused: true, wantCall: "pause:hpc-team-alloc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, b := membershipFixture()
			cp.resources[resourceUUID].Downscaled = tt.downscaled
			cp.resources[resourceUUID].Paused = tt.paused

			p := newMembershipProcessor(cp, b)
			require.NoError(t, p.ProcessOffering(context.Background()))

			assert.Contains(t, b.qosCalls, tt.wantCall)
			assert.Equal(t, b.metadata, cp.metadata[resourceUUID])
		})
	}
}

func TestMembershipSyncMirrorsMetadataWhenQOSNotConfigured(t *testing.T) {
	cp, b := membershipFixture()
	b.qosApplied = false

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	// The snapshot refresh does not depend on the QoS operation landing.
	assert.Equal(t, b.metadata, cp.metadata[resourceUUID])
}

func TestMembershipSyncMarksResourceErredOnBackendFailure(t *testing.T) {
	cp, b := membershipFixture()
	b.addErr = backend.NewError("sacctmgr add user", "cluster unavailable",
		fmt.Errorf("exit status 1"))

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	require.Contains(t, cp.erredResources, resourceUUID)
	assert.Contains(t, cp.erredResources[resourceUUID].Message, "cluster unavailable")
}

func TestMembershipSyncSkipsResourcesMissingOnCluster(t *testing.T) {
	cp, b := membershipFixture()
	delete(b.pulled, "hpc-team-alloc")

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	assert.Empty(t, cp.erredResources)
	assert.Empty(t, b.added["hpc-team-alloc"])
}

func TestMembershipSyncSkipsResourcesWithoutBackendID(t *testing.T) {
	cp, b := membershipFixture()
	cp.resources[resourceUUID].BackendID = ""

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessOffering(context.Background()))

	assert.Empty(t, b.added)
	assert.Empty(t, b.removed)
}

func TestProcessUserRoleChange(t *testing.T) {
	cp, b := membershipFixture()
	cp.offeringUsers[2].UserUUID = "0f6eac3a-69d4-4f26-8a3e-2f9f2f7c1b33"
	cp.team[1].UUID = "0f6eac3a-69d4-4f26-8a3e-2f9f2f7c1b33"

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessUserRoleChange(context.Background(), "0f6eac3a-69d4-4f26-8a3e-2f9f2f7c1b33", true))

	// The change re-syncs the offering, which grants bob's pending access.
	assert.Equal(t, []string{"bob"}, b.added["hpc-team-alloc"])
}

func TestProcessUserRoleChangeUnknownUser(t *testing.T) {
	cp, b := membershipFixture()

	p := newMembershipProcessor(cp, b)
	require.NoError(t, p.ProcessUserRoleChange(context.Background(), "0f6eac3a-69d4-4f26-8a3e-2f9f2f7c1b22", true))

	// No offering user matches the uuid, so nothing was synced.
	assert.Empty(t, b.added["hpc-team-alloc"])
}

func TestProcessUserRoleChangeRejectsMalformedUUID(t *testing.T) {
	cp, b := membershipFixture()
	p := newMembershipProcessor(cp, b)
	require.Error(t, p.ProcessUserRoleChange(context.Background(), "nope", false))
}
