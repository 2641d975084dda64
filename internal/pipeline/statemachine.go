// Package pipeline orchestrates the mode-specific deployment pipelines
// (local, cloud-local, cloud-hosted) over the stage components in
// source, imagebuild, iac, cluster, and manifests, and dispatches the four
// lifecycle actions (deploy, redeploy, scale, decommission) against the
// process-wide active-deployment registry.
package pipeline

import (
	"fmt"

	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/events"
)

// Event is re-exported from package events so pipeline's public API names
// the type the diagram in spec.md talks about, without every stage
// component importing pipeline to get at it.
type Event = events.Event

// edges is the allowed-transition table from spec.md §4.9: any non-terminal
// state may move to failed; decommissioning is reachable from succeeded and
// failed; decommissioning resolves to decommissioned or, on a destroy
// failure, decommission-attempted with the workspace retained.
var edges = map[deployment.State][]deployment.State{
	deployment.StateInit:                {deployment.StateCloning, deployment.StateFailed},
	deployment.StateCloning:              {deployment.StateRendering, deployment.StateFailed},
	deployment.StateRendering:            {deployment.StateIaCApplying, deployment.StateFailed},
	deployment.StateIaCApplying:          {deployment.StateBuilding, deployment.StateFailed},
	deployment.StateBuilding:             {deployment.StateImagePublishing, deployment.StateClusterBootstrapping, deployment.StateFailed},
	deployment.StateImagePublishing:      {deployment.StateClusterBootstrapping, deployment.StateFailed},
	deployment.StateClusterBootstrapping: {deployment.StateApplyingManifests, deployment.StateFailed},
	deployment.StateApplyingManifests:    {deployment.StateWaitingRollout, deployment.StateFailed},
	deployment.StateWaitingRollout:       {deployment.StateSucceeded, deployment.StateFailed},
	deployment.StateSucceeded:            {deployment.StateDecommissioning, deployment.StateFailed},
	deployment.StateFailed:               {deployment.StateDecommissioning},
	deployment.StateDecommissioning:      {deployment.StateDecommissioned, deployment.StateDecommissionAttempted},
}

// StateMachine validates and applies transitions for a single deployment.
type StateMachine struct {
	d *deployment.Deployment
}

// NewStateMachine wraps a Deployment for transition-guarded mutation.
func NewStateMachine(d *deployment.Deployment) *StateMachine {
	return &StateMachine{d: d}
}

// Transition moves the wrapped deployment from its current state to to,
// provided the edge is allowed, recording reason as the error message
// context on rejection.
func (sm *StateMachine) Transition(to deployment.State, reason string) error {
	from := sm.d.State
	if from == to {
		return nil
	}
	for _, allowed := range edges[from] {
		if allowed == to {
			sm.d.State = to
			sm.d.Touch()
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s (%s)", from, to, reason)
}

// State returns the wrapped deployment's current state.
func (sm *StateMachine) State() deployment.State { return sm.d.State }
