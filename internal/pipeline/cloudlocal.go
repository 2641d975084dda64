package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

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
	"github.com/deploysmith/orchestrator/internal/workspace"
)

const (
	remoteSourceDir  = "/home/ubuntu/src"
	remoteKubeconfig = "/home/ubuntu/.kube/config"
	remoteSSHUser    = "ubuntu"
	remoteBuilderBin = "docker"
	remoteKubectlBin = "kubectl"
)

// CloudLocalPipeline runs the cloud-vm mode: clone, provision an EC2
// instance via Terraform, build the image on that instance over SSH, wait
// for its baked-in kind bootstrap, apply manifests and wait for rollout
// over the same SSH tunnel.
type CloudLocalPipeline struct {
	Deps *Deps
}

func (p *CloudLocalPipeline) Run(ctx context.Context, d *deployment.Deployment, creds *credentials.RequestCredentials) <-chan Event {
	ch, sink := newEventChan(64)
	go func() {
		defer close(ch)
		defer p.Deps.Registry.Finish(d.ID)
		p.run(ctxOrBackground(ctx), d, creds, sink)
	}()
	return ch
}

func (p *CloudLocalPipeline) run(ctx context.Context, d *deployment.Deployment, creds *credentials.RequestCredentials, sink events.Sink) {
	sm := NewStateMachine(d)

	scope, err := credentials.Acquire(creds, p.Deps.Config, true)
	if err != nil {
		_ = fail(sm, p.Deps.DB, nil, d, err)
		return
	}
	sink = redactingSink(sink, scope)

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
	_ = deployment.WriteMeta(ws, d)

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
		_, err := p.Deps.Renderer.Render("cloud-vm", map[string]any{
			"instance_name": d.InstanceName,
			"ec2_key_name":  d.EC2KeyName,
			"region":        scope.Region,
			"instance_type": "t3.medium",
		}, ws.TFPath())
		return err
	}); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	driver := &iac.Driver{
		Binary:       p.Deps.Config.Tools.IaCBinary,
		TFDir:        ws.TFPath(),
		Runner:       p.Deps.Runner,
		Env:          scope.Env(),
		ApplyTimeout: p.Deps.Config.Timeouts.IaCApply,
		Sink:         sink,
	}
	outputs, err := p.applyIaC(ctx, sm, driver, ws)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	publicDNS := outputs["public_dns"].String()
	publicIP := outputs["public_ip"].String()
	d.Outputs = map[string]string{"public_ip": publicIP, "public_dns": publicDNS}

	keyFile := filepath.Join(p.Deps.Config.EC2PrivateKeyDir, d.EC2KeyName+".pem")
	client, err := dialWithRetry(ctx, publicDNS+":22", remoteSSHUser, keyFile)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, apperrors.WrapSourceError(err, "failed to reach cloud-vm host %s", publicDNS))
		return
	}
	defer client.Close()

	if err := sm.Transition(deployment.StateBuilding, "iac applied"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	strategy := &imagebuild.RemoteStrategy{
		Client:        client,
		RemoteDir:     remoteSourceDir,
		RemoteBuilder: remoteBuilderBin,
		Sink:          sink,
	}
	imageRef, err := strategy.Build(ctx, imagebuild.BuildInput{
		DeploymentID: d.ID,
		CommitSHA:    snap.CommitSHA,
		SourceDir:    ws.SourcePath(),
		Repository:   fmt.Sprintf("orchestrator/%s", d.ID),
	})
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	d.ImageRef = imageRef.FullRef

	bootstrapper := &cluster.CloudLocalBootstrapper{
		Client:           client,
		KubectlBin:       remoteKubectlBin,
		RemoteKubeconfig: remoteKubeconfig,
		Sink:             sink,
	}
	if err := sm.Transition(deployment.StateClusterBootstrapping, "image built"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	if err := runStage(sm, deployment.StateApplyingManifests, func() error {
		return bootstrapper.WaitForBootstrap(ctx)
	}); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := p.applyManifests(ws, d, snap, bootstrapper); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := sm.Transition(deployment.StateWaitingRollout, "manifests applied"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	if _, err := bootstrapper.Kubectl("rollout", "status", "deployment/"+d.ID, "-n", d.TargetNamespace,
		"--timeout="+p.Deps.Config.Timeouts.RolloutWait.String()); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, apperrors.NewRolloutTimeout(err.Error()))
		return
	}

	if port, err := queryNodePort(bootstrapper, d.TargetNamespace, d.ID); err == nil {
		d.Outputs["public_ip"] = fmt.Sprintf("%s:%d", publicIP, port)
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

func (p *CloudLocalPipeline) applyIaC(ctx context.Context, sm *StateMachine, driver *iac.Driver, ws *workspace.Workspace) (iac.OutputBag, error) {
	if err := sm.Transition(deployment.StateIaCApplying, "rendered"); err != nil {
		return nil, err
	}
	if err := driver.Init(ctx); err != nil {
		return nil, err
	}

	if driver.HasExistingState() {
		if err := driver.PlanOnResumption(ctx); err != nil {
			return nil, err
		}
		return driver.Output(ctx)
	}

	if _, err := driver.Plan(ctx); err != nil {
		return nil, err
	}
	outputs, err := driver.Apply(ctx)
	if err != nil {
		return nil, err
	}
	if err := workspace.MarkStateExists(ws); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (p *CloudLocalPipeline) applyManifests(ws *workspace.Workspace, d *deployment.Deployment, snap *source.Snapshot, b *cluster.CloudLocalBootstrapper) error {
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
		return err
	}

	for _, path := range paths {
		if err := b.ApplyManifest(path); err != nil {
			return err
		}
	}
	return nil
}

// queryNodePort reads the nodePort kubectl assigned to name's Service,
// remotely over the same SSH tunnel every other cloud-vm kubectl call uses.
func queryNodePort(b *cluster.CloudLocalBootstrapper, namespace, name string) (int, error) {
	out, err := b.Kubectl("get", "service", name, "-n", namespace, "-o", "jsonpath={.spec.ports[0].nodePort}")
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("could not parse nodePort from kubectl output %q: %w", out, err)
	}
	return port, nil
}

// dialWithRetry tolerates the window between an EC2 instance reaching
// "running" and its sshd accepting connections.
func dialWithRetry(ctx context.Context, addr, user, keyFile string) (*ssh.Client, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		if bare := strings.TrimSuffix(keyFile, ".pem"); bare != keyFile {
			if data, bareErr := os.ReadFile(bare); bareErr == nil {
				keyData, err = data, nil
			}
		}
	}
	if err != nil {
		return nil, apperrors.NewConfigurationError("could not read SSH private key %q: %v", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, apperrors.NewConfigurationError("could not parse SSH private key %q: %v", keyFile, err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	deadline := time.Now().Add(cluster.PollTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cluster.PollInterval):
		}
	}
	return nil, fmt.Errorf("timed out dialing %s: %w", addr, lastErr)
}
