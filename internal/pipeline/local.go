package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/deploysmith/orchestrator/internal/cluster"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/imagebuild"
	"github.com/deploysmith/orchestrator/internal/manifests"
	"github.com/deploysmith/orchestrator/internal/source"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

// LocalPipeline runs the local-ephemeral-cluster mode: clone, render a kind
// config, build the image with the local container daemon, stand up (or
// reuse) the orchestrator-local kind cluster, load the image, apply
// manifests, wait for rollout.
type LocalPipeline struct {
	Deps *Deps
}

// Run executes the pipeline for d in its own goroutine, returning a channel
// of Progress Events that closes when the pipeline reaches a terminal
// state.
func (p *LocalPipeline) Run(ctx context.Context, d *deployment.Deployment) <-chan Event {
	ch, sink := newEventChan(64)
	go func() {
		defer close(ch)
		defer p.Deps.Registry.Finish(d.ID)
		p.run(ctxOrBackground(ctx), d, sink)
	}()
	return ch
}

func (p *LocalPipeline) run(ctx context.Context, d *deployment.Deployment, sink events.Sink) {
	sm := NewStateMachine(d)
	ws, err := p.Deps.Workspaces.Allocate(d.ID)
	if err != nil {
		_ = fail(sm, p.Deps.DB, nil, d, err)
		return
	}
	unlock, err := p.Deps.Workspaces.Lock(d.ID)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	defer unlock()

	if err := deployment.WriteMeta(ws, d); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := sm.Transition(deployment.StateCloning, "starting"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	snap, err := source.Fetch(ctx, ws.SourcePath(), d.SourceRepoURL, nil, sink)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := runStage(sm, deployment.StateRendering, func() error {
		_, err := p.Deps.Renderer.Render("local-cluster-config", map[string]any{
			"cluster_name": "orchestrator-local",
		}, ws.TFPath())
		return err
	}); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := sm.Transition(deployment.StateIaCApplying, "no IaC in local mode, passthrough"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	imageRef, err := p.build(ctx, sm, ws, d, snap, sink)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	d.ImageRef = imageRef.FullRef

	bootstrapper := &cluster.LocalBootstrapper{
		CLIBin:      p.Deps.Config.Tools.LocalClusterCLI,
		KubectlBin:  p.Deps.Config.Tools.KubectlBinary,
		ClusterName: "orchestrator-local",
		Runner:      p.Deps.Runner,
		Sink:        sink,
	}
	if err := sm.Transition(deployment.StateClusterBootstrapping, "image built"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	if err := runStage(sm, deployment.StateApplyingManifests, func() error {
		configPath := filepath.Join(ws.TFPath(), "local-cluster-config.yaml")
		if err := bootstrapper.Ensure(ctx, configPath, ""); err != nil {
			return err
		}
		return bootstrapper.LoadImage(ctx, imageRef.FullRef)
	}); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if _, err := p.applyManifests(ctx, ws, d, snap, sink); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := sm.Transition(deployment.StateWaitingRollout, "manifests applied"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	applier := &manifests.Applier{
		KubectlBin:     p.Deps.Config.Tools.KubectlBinary,
		Runner:         p.Deps.Runner,
		RolloutTimeout: p.Deps.Config.Timeouts.RolloutWait,
		Sink:           sink,
	}
	if err := applier.WaitForRollout(ctx, d.TargetNamespace, d.ID); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if port, err := applier.NodePort(ctx, d.TargetNamespace, d.ID); err == nil {
		d.Outputs = map[string]string{"public_ip": fmt.Sprintf("localhost:%d", port)}
	} else {
		events.Warn(sink, "manifests", fmt.Sprintf("could not determine service nodePort: %v", err))
	}

	if err := sm.Transition(deployment.StateSucceeded, "rollout converged"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	_ = deployment.WriteMeta(ws, d)
	if p.Deps.DB != nil {
		_ = p.Deps.DB.Upsert(d)
	}
	events.End(sink, "pipeline", fmt.Sprintf("deployment %s succeeded", d.ID))
}

func (p *LocalPipeline) build(ctx context.Context, sm *StateMachine, ws *workspace.Workspace, d *deployment.Deployment, snap *source.Snapshot, sink events.Sink) (*imagebuild.Reference, error) {
	if err := sm.Transition(deployment.StateBuilding, "iac applied"); err != nil {
		return nil, err
	}
	strategy := &imagebuild.LocalStrategy{Runner: p.Deps.Runner, Sink: sink}
	return strategy.Build(ctx, imagebuild.BuildInput{
		DeploymentID: d.ID,
		CommitSHA:    snap.CommitSHA,
		SourceDir:    ws.SourcePath(),
		Repository:   fmt.Sprintf("orchestrator/%s", d.ID),
		BuilderBin:   p.Deps.Config.Tools.ContainerBuilder,
	})
}

func (p *LocalPipeline) applyManifests(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, snap *source.Snapshot, sink events.Sink) ([]string, error) {
	port := 8080
	if snap.Port != "" {
		fmt.Sscanf(snap.Port, "%d", &port)
	}

	gen := manifestGeneratorFor(p.Deps.Renderer, d.ImageRef)
	paths, err := gen.Generate(manifests.GenerateInput{
		Name:          d.ID,
		Namespace:     d.TargetNamespace,
		Image:         d.ImageRef,
		Replicas:      replicasOrDefault(d.Replicas),
		ContainerPort: port,
		ServicePort:   port,
		EnvVars:       d.EnvVars,
	}, ws.ManifestsPath())
	if err != nil {
		return nil, err
	}

	applier := &manifests.Applier{
		KubectlBin: p.Deps.Config.Tools.KubectlBinary,
		Runner:     p.Deps.Runner,
		Sink:       sink,
	}
	if err := applier.Apply(ctx, paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func replicasOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
