package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/deployment"
)

func TestStateMachineTransitionAllowedEdges(t *testing.T) {
	tests := []struct {
		name string
		from deployment.State
		to   deployment.State
	}{
		{"init to cloning", deployment.StateInit, deployment.StateCloning},
		{"cloning to rendering", deployment.StateCloning, deployment.StateRendering},
		{"rendering to iac-applying", deployment.StateRendering, deployment.StateIaCApplying},
		{"iac-applying to building", deployment.StateIaCApplying, deployment.StateBuilding},
		{"building to image-publishing", deployment.StateBuilding, deployment.StateImagePublishing},
		{"building to cluster-bootstrapping (local mode skips publishing)", deployment.StateBuilding, deployment.StateClusterBootstrapping},
		{"image-publishing to cluster-bootstrapping", deployment.StateImagePublishing, deployment.StateClusterBootstrapping},
		{"cluster-bootstrapping to applying-manifests", deployment.StateClusterBootstrapping, deployment.StateApplyingManifests},
		{"applying-manifests to waiting-rollout", deployment.StateApplyingManifests, deployment.StateWaitingRollout},
		{"waiting-rollout to succeeded", deployment.StateWaitingRollout, deployment.StateSucceeded},
		{"succeeded to decommissioning", deployment.StateSucceeded, deployment.StateDecommissioning},
		{"failed to decommissioning", deployment.StateFailed, deployment.StateDecommissioning},
		{"decommissioning to decommissioned", deployment.StateDecommissioning, deployment.StateDecommissioned},
		{"decommissioning to decommission-attempted", deployment.StateDecommissioning, deployment.StateDecommissionAttempted},
		{"any non-terminal state to failed", deployment.StateBuilding, deployment.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &deployment.Deployment{State: tt.from}
			sm := NewStateMachine(d)
			err := sm.Transition(tt.to, "test")
			require.NoError(t, err)
			assert.Equal(t, tt.to, sm.State())
		})
	}
}

func TestStateMachineTransitionRejectsIllegalEdges(t *testing.T) {
	tests := []struct {
		name string
		from deployment.State
		to   deployment.State
	}{
		{"cannot skip rendering", deployment.StateCloning, deployment.StateBuilding},
		{"cannot leave a terminal failed state except to decommissioning", deployment.StateFailed, deployment.StateSucceeded},
		{"decommissioned is terminal", deployment.StateDecommissioned, deployment.StateDecommissioning},
		{"cannot go backwards", deployment.StateBuilding, deployment.StateCloning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &deployment.Deployment{State: tt.from}
			sm := NewStateMachine(d)
			err := sm.Transition(tt.to, "test")
			assert.Error(t, err)
			assert.Equal(t, tt.from, sm.State())
		})
	}
}

func TestStateMachineTransitionToSameStateIsNoop(t *testing.T) {
	d := &deployment.Deployment{State: deployment.StateBuilding}
	sm := NewStateMachine(d)
	before := d.UpdatedAt

	err := sm.Transition(deployment.StateBuilding, "no-op")
	require.NoError(t, err)
	assert.Equal(t, deployment.StateBuilding, sm.State())
	assert.Equal(t, before, d.UpdatedAt)
}

func TestStateMachineTransitionTouchesOnSuccess(t *testing.T) {
	d := &deployment.Deployment{State: deployment.StateInit}
	sm := NewStateMachine(d)

	err := sm.Transition(deployment.StateCloning, "starting")
	require.NoError(t, err)
	assert.False(t, d.UpdatedAt.IsZero())
}
