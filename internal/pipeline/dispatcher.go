package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/cluster"
	"github.com/deploysmith/orchestrator/internal/credentials"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/iac"
	"github.com/deploysmith/orchestrator/internal/imagebuild"
	"github.com/deploysmith/orchestrator/internal/manifests"
	"github.com/deploysmith/orchestrator/internal/source"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

// Action names the four lifecycle operations spec.md §4.9 defines.
type Action string

const (
	ActionDeploy       Action = "deploy"
	ActionRedeploy     Action = "redeploy"
	ActionScale        Action = "scale"
	ActionDecommission Action = "decommission"
)

// Dispatcher routes a chat request's action onto the correct pipeline or
// lifecycle operation, consulting the active-deployment Registry so a second
// request for an id already running never starts a competing goroutine.
type Dispatcher struct {
	Deps *Deps
}

// Handle validates the requested action against the deployment's persisted
// state and either starts a goroutine and returns its event channel, or
// rejects synchronously with a ValidationError. Rejections never touch the
// Registry or a workspace, matching deploy/redeploy/scale/decommission's
// "refuses" language in spec.md §4.9 being a precondition check, not a
// failed pipeline run.
func (disp *Dispatcher) Handle(ctx context.Context, action Action, req Request) (<-chan Event, error) {
	switch action {
	case ActionDeploy:
		return disp.deploy(ctx, req)
	case ActionRedeploy:
		return disp.redeploy(ctx, req)
	case ActionScale:
		return disp.scale(ctx, req)
	case ActionDecommission:
		return disp.decommission(ctx, req)
	default:
		return nil, apperrors.NewValidationError("unknown action %q", action)
	}
}

func (disp *Dispatcher) deploy(ctx context.Context, req Request) (<-chan Event, error) {
	d := req.Deployment
	if d.EC2KeyName == "" && d.Mode == deployment.ModeCloudLocal {
		return nil, apperrors.NewValidationError("ec2_key_name is required for cloud-local deploy")
	}
	if !disp.Deps.Registry.TryStart(d.ID, d.Mode) {
		return nil, apperrors.NewValidationError("deployment %q already has a running pipeline", d.ID)
	}

	switch d.Mode {
	case deployment.ModeLocal:
		return (&LocalPipeline{Deps: disp.Deps}).Run(ctx, d), nil
	case deployment.ModeCloudLocal:
		return (&CloudLocalPipeline{Deps: disp.Deps}).Run(ctx, d, req.Credentials), nil
	case deployment.ModeCloudHosted:
		return (&CloudHostedPipeline{Deps: disp.Deps}).Run(ctx, d, req.Credentials), nil
	default:
		disp.Deps.Registry.Finish(d.ID)
		return nil, apperrors.NewValidationError("unknown deployment_mode %q", d.Mode)
	}
}

// loadForLifecycle locates an existing workspace and its authoritative
// meta.json record for an id targeted by redeploy/scale/decommission, none
// of which allocate a fresh workspace the way deploy does.
func (disp *Dispatcher) loadForLifecycle(id string) (*workspace.Workspace, *deployment.Deployment, error) {
	if disp.Deps.Registry.IsActive(id) {
		return nil, nil, apperrors.NewValidationError("deployment %q already has a running pipeline", id)
	}
	ws, err := disp.Deps.Workspaces.Locate(id)
	if err != nil {
		return nil, nil, apperrors.NewValidationError("deployment %q not found: %v", id, err)
	}
	d, err := deployment.ReadMeta(ws)
	if err != nil {
		return nil, nil, apperrors.NewValidationError("deployment %q has no readable meta.json: %v", id, err)
	}
	return ws, d, nil
}

func (disp *Dispatcher) redeploy(ctx context.Context, req Request) (<-chan Event, error) {
	ws, d, err := disp.loadForLifecycle(req.Deployment.ID)
	if err != nil {
		return nil, err
	}
	*req.Deployment = *d
	d = req.Deployment
	if d.State != deployment.StateSucceeded && d.State != deployment.StateFailed {
		return nil, apperrors.NewValidationError(
			"redeploy requires an existing succeeded or failed deployment, found %q", d.State)
	}
	if !disp.Deps.Registry.TryStart(d.ID, d.Mode) {
		return nil, apperrors.NewValidationError("deployment %q already has a running pipeline", d.ID)
	}

	ch, sink := newEventChan(64)
	go func() {
		defer close(ch)
		defer disp.Deps.Registry.Finish(d.ID)
		disp.runRedeploy(ctxOrBackground(ctx), ws, d, req.Credentials, sink)
	}()
	return ch, nil
}

// runRedeploy rebuilds the image with a fresh content-derived tag and patches
// it into the running deployment in place, per spec.md §4.8: no re-render,
// no IaC re-apply, and no re-fetch of any per-mode infrastructure — only
// build and set-image.
func (disp *Dispatcher) runRedeploy(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, creds *credentials.RequestCredentials, sink events.Sink) {
	// Redeploy re-enters the lifecycle from a terminal state outside the
	// normal init->succeeded edge chain, so its intermediate states are set
	// directly rather than validated against the deploy transition table;
	// fail() still routes through StateMachine.Transition to StateFailed,
	// which every state redeploy visits allows.
	sm := NewStateMachine(d)
	d.State = deployment.StateCloning
	d.Touch()

	snap, err := source.Fetch(ctx, ws.SourcePath(), d.SourceRepoURL, nil, sink)
	if err != nil {
		_ = fail(sm, disp.Deps.DB, ws, d, err)
		return
	}

	d.State = deployment.StateBuilding
	d.Touch()

	var imageRef *imagebuild.Reference
	var cloudLocalBootstrapper *cluster.CloudLocalBootstrapper
	var applier *manifests.Applier

	switch d.Mode {
	case deployment.ModeLocal:
		strategy := &imagebuild.LocalStrategy{Runner: disp.Deps.Runner, Sink: sink}
		imageRef, err = strategy.Build(ctx, imagebuild.BuildInput{
			DeploymentID: d.ID,
			CommitSHA:    snap.CommitSHA,
			SourceDir:    ws.SourcePath(),
			Repository:   fmt.Sprintf("orchestrator/%s", d.ID),
			BuilderBin:   disp.Deps.Config.Tools.ContainerBuilder,
		})
		if err == nil {
			bootstrapper := &cluster.LocalBootstrapper{
				CLIBin:      disp.Deps.Config.Tools.LocalClusterCLI,
				KubectlBin:  disp.Deps.Config.Tools.KubectlBinary,
				ClusterName: "orchestrator-local",
				Runner:      disp.Deps.Runner,
				Sink:        sink,
			}
			err = bootstrapper.LoadImage(ctx, imageRef.FullRef)
		}
		applier = &manifests.Applier{
			KubectlBin:     disp.Deps.Config.Tools.KubectlBinary,
			Runner:         disp.Deps.Runner,
			RolloutTimeout: disp.Deps.Config.Timeouts.RolloutWait,
			Sink:           sink,
		}

	case deployment.ModeCloudLocal:
		// No AWS credentials needed here: redeploy only rebuilds over SSH and
		// patches the image in place, it never touches Terraform or ECR.
		var client *ssh.Client
		client, err = dialWithRetry(ctx, d.Outputs["public_dns"]+":22", remoteSSHUser,
			filepath.Join(disp.Deps.Config.EC2PrivateKeyDir, d.EC2KeyName+".pem"))
		if err != nil {
			err = apperrors.WrapSourceError(err, "failed to reach cloud-vm host %s", d.Outputs["public_dns"])
			break
		}
		defer client.Close()

		strategy := &imagebuild.RemoteStrategy{Client: client, RemoteDir: remoteSourceDir, RemoteBuilder: remoteBuilderBin, Sink: sink}
		imageRef, err = strategy.Build(ctx, imagebuild.BuildInput{
			DeploymentID: d.ID,
			CommitSHA:    snap.CommitSHA,
			SourceDir:    ws.SourcePath(),
			Repository:   fmt.Sprintf("orchestrator/%s", d.ID),
		})
		cloudLocalBootstrapper = &cluster.CloudLocalBootstrapper{Client: client, KubectlBin: remoteKubectlBin, RemoteKubeconfig: remoteKubeconfig, Sink: sink}

	case deployment.ModeCloudHosted:
		var scope *credentials.Scope
		scope, err = credentials.Acquire(creds, disp.Deps.Config, true)
		if err != nil {
			break
		}
		sink = redactingSink(sink, scope)
		registryStrategy := &imagebuild.RegistryStrategy{
			Runner: disp.Deps.Runner,
			Creds: imagebuild.RegistryCredentials{
				AccessKeyID:     scope.AccessKeyID,
				SecretAccessKey: scope.SecretAccessKey,
				Region:          scope.Region,
			},
			Sink: sink,
		}
		var repository string
		repository, err = registryStrategy.ResolveRepository(ctx, d.ID)
		if err == nil {
			imageRef, err = registryStrategy.Build(ctx, imagebuild.BuildInput{
				DeploymentID: d.ID,
				CommitSHA:    snap.CommitSHA,
				SourceDir:    ws.SourcePath(),
				Repository:   repository,
				BuilderBin:   disp.Deps.Config.Tools.ContainerBuilder,
			})
		}

		kubeconfigPath := filepath.Join(ws.TFPath(), "kubeconfig")
		if err == nil {
			err = disp.refreshEKSKubeconfig(ctx, ws, d, scope, kubeconfigPath)
		}
		applier = &manifests.Applier{
			KubectlBin:     disp.Deps.Config.Tools.KubectlBinary,
			Runner:         disp.Deps.Runner,
			KubeconfigArgs: []string{"--kubeconfig", kubeconfigPath},
			RolloutTimeout: disp.Deps.Config.Timeouts.RolloutWait,
			Sink:           sink,
		}
	}

	if err != nil {
		_ = fail(sm, disp.Deps.DB, ws, d, err)
		return
	}
	d.ImageRef = imageRef.FullRef

	// The container name matches the deployment name: k8s-deployment.tmpl
	// names its single container after .name, which Generate always sets to
	// the deployment id.
	if cloudLocalBootstrapper != nil {
		if _, err := cloudLocalBootstrapper.Kubectl("set", "image", fmt.Sprintf("deployment/%s", d.ID),
			fmt.Sprintf("%s=%s", d.ID, d.ImageRef), "-n", d.TargetNamespace); err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, apperrors.WrapSourceError(err, "remote set-image failed"))
			return
		}
	} else if err := applier.SetImage(ctx, d.TargetNamespace, d.ID, d.ID, d.ImageRef); err != nil {
		_ = fail(sm, disp.Deps.DB, ws, d, err)
		return
	}

	d.State = deployment.StateWaitingRollout
	d.Touch()
	if cloudLocalBootstrapper != nil {
		if _, err := cloudLocalBootstrapper.Kubectl("rollout", "status", fmt.Sprintf("deployment/%s", d.ID),
			"-n", d.TargetNamespace, "--timeout="+disp.Deps.Config.Timeouts.RolloutWait.String()); err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, apperrors.NewRolloutTimeout(err.Error()))
			return
		}
	} else if err := applier.WaitForRollout(ctx, d.TargetNamespace, d.ID); err != nil {
		_ = fail(sm, disp.Deps.DB, ws, d, err)
		return
	}

	d.State = deployment.StateSucceeded
	d.Touch()
	_ = deployment.WriteMeta(ws, d)
	if disp.Deps.DB != nil {
		_ = disp.Deps.DB.Upsert(d)
	}
	events.End(sink, "pipeline", fmt.Sprintf("deployment %s redeployed", d.ID))
}

func (disp *Dispatcher) refreshEKSKubeconfig(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, scope *credentials.Scope, kubeconfigPath string) error {
	driver := &iac.Driver{Binary: disp.Deps.Config.Tools.IaCBinary, TFDir: ws.TFPath(), Runner: disp.Deps.Runner, Env: scope.Env()}
	outputs, err := driver.Output(ctx)
	if err != nil {
		return err
	}
	bootstrapper := &cluster.CloudHostedBootstrapper{HelmBin: disp.Deps.Config.Tools.HelmBinary, Runner: disp.Deps.Runner}
	token, err := bootstrapper.GetBearerToken(ctx, d.InstanceName, scope.Region, scope.Env())
	if err != nil {
		return err
	}
	kubeCfg, err := cluster.SynthesizeKubeconfig(d.InstanceName, outputs["cluster_endpoint"].String(), outputs["cluster_certificate_authority_data"].String(), token)
	if err != nil {
		return err
	}
	return cluster.WriteKubeconfig(kubeCfg, kubeconfigPath)
}

func (disp *Dispatcher) scale(ctx context.Context, req Request) (<-chan Event, error) {
	ws, d, err := disp.loadForLifecycle(req.Deployment.ID)
	if err != nil {
		return nil, err
	}
	*req.Deployment = *d
	d = req.Deployment
	if d.State != deployment.StateSucceeded {
		return nil, apperrors.NewValidationError("scale requires a succeeded deployment, found %q", d.State)
	}
	if req.NewReplicas <= 0 {
		return nil, apperrors.NewValidationError("replicas must be positive")
	}
	if !disp.Deps.Registry.TryStart(d.ID, d.Mode) {
		return nil, apperrors.NewValidationError("deployment %q already has a running pipeline", d.ID)
	}

	ch, sink := newEventChan(8)
	go func() {
		defer close(ch)
		defer disp.Deps.Registry.Finish(d.ID)
		disp.runScale(ctxOrBackground(ctx), ws, d, req, sink)
	}()
	return ch, nil
}

func (disp *Dispatcher) runScale(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, req Request, sink events.Sink) {
	sm := NewStateMachine(d)
	var applier *manifests.Applier

	switch d.Mode {
	case deployment.ModeLocal:
		applier = &manifests.Applier{KubectlBin: disp.Deps.Config.Tools.KubectlBinary, Runner: disp.Deps.Runner, Sink: sink}

	case deployment.ModeCloudLocal:
		scope, err := credentials.Acquire(req.Credentials, disp.Deps.Config, true)
		if err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, err)
			return
		}
		sink = redactingSink(sink, scope)
		client, err := dialWithRetry(ctx, d.Outputs["public_dns"]+":22", remoteSSHUser,
			filepath.Join(disp.Deps.Config.EC2PrivateKeyDir, d.EC2KeyName+".pem"))
		if err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, apperrors.WrapSourceError(err, "failed to reach cloud-vm host"))
			return
		}
		defer client.Close()
		bootstrapper := &cluster.CloudLocalBootstrapper{Client: client, KubectlBin: remoteKubectlBin, RemoteKubeconfig: remoteKubeconfig, Sink: sink}
		if _, err := bootstrapper.Kubectl("scale", fmt.Sprintf("deployment/%s", d.ID), "-n", d.TargetNamespace,
			fmt.Sprintf("--replicas=%d", req.NewReplicas)); err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, apperrors.WrapSourceError(err, "remote scale failed"))
			return
		}
		disp.finishScale(ws, d, req.NewReplicas, sink)
		return

	case deployment.ModeCloudHosted:
		scope, err := credentials.Acquire(req.Credentials, disp.Deps.Config, true)
		if err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, err)
			return
		}
		sink = redactingSink(sink, scope)
		kubeconfigPath := filepath.Join(ws.TFPath(), "kubeconfig")
		if err := disp.refreshEKSKubeconfig(ctx, ws, d, scope, kubeconfigPath); err != nil {
			_ = fail(sm, disp.Deps.DB, ws, d, err)
			return
		}
		applier = &manifests.Applier{
			KubectlBin:     disp.Deps.Config.Tools.KubectlBinary,
			Runner:         disp.Deps.Runner,
			KubeconfigArgs: []string{"--kubeconfig", kubeconfigPath},
			Sink:           sink,
		}
	}

	if err := applier.Scale(ctx, d.TargetNamespace, d.ID, req.NewReplicas); err != nil {
		_ = fail(sm, disp.Deps.DB, ws, d, err)
		return
	}
	disp.finishScale(ws, d, req.NewReplicas, sink)
}

func (disp *Dispatcher) finishScale(ws *workspace.Workspace, d *deployment.Deployment, replicas int, sink events.Sink) {
	d.Replicas = replicas
	d.Touch()
	_ = deployment.WriteMeta(ws, d)
	if disp.Deps.DB != nil {
		_ = disp.Deps.DB.Upsert(d)
	}
	events.End(sink, "pipeline", fmt.Sprintf("deployment %s scaled to %d replicas", d.ID, replicas))
}

func (disp *Dispatcher) decommission(ctx context.Context, req Request) (<-chan Event, error) {
	if disp.Deps.Registry.IsActive(req.Deployment.ID) {
		return nil, apperrors.NewValidationError("deployment %q already has a running pipeline", req.Deployment.ID)
	}
	ws, err := disp.Deps.Workspaces.Locate(req.Deployment.ID)
	if err != nil {
		return nil, apperrors.NewValidationError("deployment %q not found: %v", req.Deployment.ID, err)
	}
	d, err := deployment.ReadMeta(ws)
	if err != nil {
		return nil, apperrors.NewValidationError("deployment %q has no readable meta.json: %v", req.Deployment.ID, err)
	}
	*req.Deployment = *d
	d = req.Deployment
	if !disp.Deps.Registry.TryStart(d.ID, d.Mode) {
		return nil, apperrors.NewValidationError("deployment %q already has a running pipeline", d.ID)
	}

	ch, sink := newEventChan(16)
	go func() {
		defer close(ch)
		defer disp.Deps.Registry.Finish(d.ID)
		disp.runDecommission(ctxOrBackground(ctx), ws, d, req.Credentials, sink)
	}()
	return ch, nil
}

// runDecommission tears down whatever infrastructure the deployment's mode
// provisioned, then removes the workspace. A destroy failure leaves the
// deployment decommission-attempted with the workspace retained for manual
// inspection, per spec.md §4.6 / P4.
func (disp *Dispatcher) runDecommission(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, creds *credentials.RequestCredentials, sink events.Sink) {
	d.State = deployment.StateDecommissioning
	d.Touch()
	_ = deployment.WriteMeta(ws, d)
	events.Start(sink, "decommission", fmt.Sprintf("decommissioning %s", d.ID))

	var destroyErr error
	switch d.Mode {
	case deployment.ModeLocal:
		result, err := disp.Deps.Runner.Run(ctx, subprocrunner.Spec{
			Name: disp.Deps.Config.Tools.KubectlBinary,
			Args: []string{"delete", "namespace", d.TargetNamespace, "--ignore-not-found"},
			OnLine: func(_ subprocrunner.Stream, line string) {
				events.Log(sink, "decommission", line)
			},
		})
		if err != nil {
			destroyErr = apperrors.WrapDecommissionError(err)
		} else if result.ExitCode != 0 {
			destroyErr = apperrors.WrapDecommissionError(
				apperrors.NewSubprocessExitError(disp.Deps.Config.Tools.KubectlBinary, result.ExitCode, result.Tail))
		}

	case deployment.ModeCloudLocal:
		scope, err := credentials.Acquire(creds, disp.Deps.Config, true)
		if err != nil {
			destroyErr = err
			break
		}
		sink = redactingSink(sink, scope)
		driver := &iac.Driver{Binary: disp.Deps.Config.Tools.IaCBinary, TFDir: ws.TFPath(), Runner: disp.Deps.Runner, Env: scope.Env(), Sink: sink}
		if err := driver.Destroy(ctx); err != nil {
			destroyErr = err
		} else {
			_ = workspace.ClearStateExists(ws)
		}

	case deployment.ModeCloudHosted:
		scope, err := credentials.Acquire(creds, disp.Deps.Config, true)
		if err != nil {
			destroyErr = err
			break
		}
		sink = redactingSink(sink, scope)
		if d.BaseHostedZoneID != "" {
			dnsDriver := &iac.Driver{Binary: disp.Deps.Config.Tools.IaCBinary, TFDir: filepath.Join(ws.TFPath(), "dns"), Runner: disp.Deps.Runner, Env: scope.Env(), Sink: sink}
			if err := dnsDriver.Destroy(ctx); err != nil {
				destroyErr = err
			}
		}
		if destroyErr == nil {
			driver := &iac.Driver{Binary: disp.Deps.Config.Tools.IaCBinary, TFDir: ws.TFPath(), Runner: disp.Deps.Runner, Env: scope.Env(), Sink: sink}
			if err := driver.Destroy(ctx); err != nil {
				destroyErr = err
			} else {
				_ = workspace.ClearStateExists(ws)
			}
		}
	}

	if destroyErr != nil {
		d.State = deployment.StateDecommissionAttempted
		d.ErrorMsg = destroyErr.Error()
		if k, ok := destroyErr.(apperrors.Kinder); ok {
			d.ErrorKind = string(k.Kind())
		}
		d.Touch()
		_ = deployment.WriteMeta(ws, d)
		if disp.Deps.DB != nil {
			_ = disp.Deps.DB.Upsert(d)
		}
		events.Fail(sink, "decommission", destroyErr.Error())
		return
	}

	if err := disp.Deps.Workspaces.Release(d.ID, true); err != nil {
		events.Fail(sink, "decommission", fmt.Sprintf("destroy succeeded but workspace removal failed: %v", err))
		return
	}
	if disp.Deps.DB != nil {
		d.State = deployment.StateDecommissioned
		_ = disp.Deps.DB.Upsert(d)
	}
	events.End(sink, "decommission", fmt.Sprintf("deployment %s decommissioned", d.ID))
}
