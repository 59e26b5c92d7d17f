package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/backend/slurm"
	"site-agent-go/internal/config"
)

func TestBackendForOffering(t *testing.T) {
	offering := testOffering()
	assert.IsType(t, &slurm.Backend{}, BackendForOffering(offering, zap.NewNop()))

	offering.BackendType = "moab"
	b := BackendForOffering(offering, zap.NewNop())
	assert.IsType(t, &backend.Unsupported{}, b)
	assert.ErrorIs(t, b.Ping(context.Background()), backend.ErrUnsupported)
}

func TestDiagnose(t *testing.T) {
	cp := newFakeControlPlane()
	offering := testOffering()

	require.NoError(t, Diagnose(context.Background(), cp, newFakeBackend(), offering, zap.NewNop()))

	unsupported := BackendForOffering(&config.Offering{BackendType: "moab"}, zap.NewNop())
	err := Diagnose(context.Background(), cp, unsupported, offering, zap.NewNop())
	require.Error(t, err)
	assert.True(t, backend.IsBackendError(err))
}
