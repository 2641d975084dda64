package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ws, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)
	return &Dispatcher{Deps: &Deps{
		Workspaces: ws,
		Registry:   NewRegistry(),
		Config:     &config.Config{Tools: config.ToolsConfig{KubectlBinary: "kubectl"}},
		Runner:     subprocrunner.New(),
	}}
}

func TestDispatcherDeployRejectsCloudLocalWithoutKeyName(t *testing.T) {
	disp := newTestDispatcher(t)
	d := deployment.NewDeployment("dep-1", deployment.ModeCloudLocal, "https://example.com/repo.git", "dep-1")

	_, err := disp.Handle(context.Background(), ActionDeploy, Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ec2_key_name")
}

func TestDispatcherDeployRejectsDuplicateInFlight(t *testing.T) {
	disp := newTestDispatcher(t)
	disp.Deps.Registry.TryStart("dep-1", deployment.ModeLocal)

	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")
	_, err := disp.Handle(context.Background(), ActionDeploy, Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a running pipeline")
}

func TestDispatcherHandleRejectsUnknownAction(t *testing.T) {
	disp := newTestDispatcher(t)
	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")

	_, err := disp.Handle(context.Background(), Action("bogus"), Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestDispatcherRedeployRejectsUnknownDeployment(t *testing.T) {
	disp := newTestDispatcher(t)
	d := deployment.NewDeployment("missing", deployment.ModeLocal, "", "missing")

	_, err := disp.Handle(context.Background(), ActionRedeploy, Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDispatcherRedeployRejectsNonTerminalState(t *testing.T) {
	disp := newTestDispatcher(t)
	ws, err := disp.Deps.Workspaces.Allocate("dep-1")
	require.NoError(t, err)

	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")
	d.State = deployment.StateBuilding
	require.NoError(t, deployment.WriteMeta(ws, d))

	_, err = disp.Handle(context.Background(), ActionRedeploy, Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redeploy requires")
}

func TestDispatcherScaleRejectsNonPositiveReplicas(t *testing.T) {
	disp := newTestDispatcher(t)
	ws, err := disp.Deps.Workspaces.Allocate("dep-1")
	require.NoError(t, err)

	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")
	d.State = deployment.StateSucceeded
	require.NoError(t, deployment.WriteMeta(ws, d))

	_, err = disp.Handle(context.Background(), ActionScale, Request{Deployment: d, NewReplicas: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas must be positive")
}

func TestDispatcherScaleRejectsDeploymentNotYetSucceeded(t *testing.T) {
	disp := newTestDispatcher(t)
	ws, err := disp.Deps.Workspaces.Allocate("dep-1")
	require.NoError(t, err)

	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")
	d.State = deployment.StateBuilding
	require.NoError(t, deployment.WriteMeta(ws, d))

	_, err = disp.Handle(context.Background(), ActionScale, Request{Deployment: d, NewReplicas: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale requires a succeeded deployment")
}

func TestDispatcherDecommissionRejectsUnknownDeployment(t *testing.T) {
	disp := newTestDispatcher(t)
	d := deployment.NewDeployment("missing", deployment.ModeLocal, "", "missing")

	_, err := disp.Handle(context.Background(), ActionDecommission, Request{Deployment: d})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDispatcherDecommissionAllowsAnyPriorState(t *testing.T) {
	disp := newTestDispatcher(t)
	ws, err := disp.Deps.Workspaces.Allocate("dep-1")
	require.NoError(t, err)

	d := deployment.NewDeployment("dep-1", deployment.ModeLocal, "https://example.com/repo.git", "dep-1")
	d.State = deployment.StateFailed
	require.NoError(t, deployment.WriteMeta(ws, d))

	ch, err := disp.Handle(context.Background(), ActionDecommission, Request{Deployment: d})
	require.NoError(t, err)
	require.NotNil(t, ch)
	for range ch {
	}
}
