package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

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
	ingressServiceName      = "ingress-nginx-controller"
	ingressServiceNamespace = "ingress-nginx"
)

// CloudHostedPipeline runs the managed-cluster mode: clone, provision an
// EKS cluster via Terraform, build and push the image to ECR, synthesize a
// kubeconfig and bring up an ingress controller, point DNS at the resulting
// load balancer, apply manifests and wait for rollout.
type CloudHostedPipeline struct {
	Deps *Deps
}

func (p *CloudHostedPipeline) Run(ctx context.Context, d *deployment.Deployment, creds *credentials.RequestCredentials) <-chan Event {
	ch, sink := newEventChan(64)
	go func() {
		defer close(ch)
		defer p.Deps.Registry.Finish(d.ID)
		runCtx, cancel := context.WithTimeout(ctxOrBackground(ctx), p.Deps.Config.Timeouts.CloudHostedTotal)
		defer cancel()
		p.run(runCtx, d, creds, sink)
	}()
	return ch
}

func (p *CloudHostedPipeline) run(ctx context.Context, d *deployment.Deployment, creds *credentials.RequestCredentials, sink events.Sink) {
	sm := NewStateMachine(d)

	scope, err := credentials.Acquire(creds, p.Deps.Config, true)
	if err != nil {
		_ = fail(sm, p.Deps.DB, nil, d, err)
		return
	}
	sink = redactingSink(sink, scope)
	if d.BaseHostedZoneID != "" && !p.Deps.Config.HasDefaultDomain() {
		_ = fail(sm, p.Deps.DB, nil, d, apperrors.NewConfigurationError(
			"base_hosted_zone_id supplied but no default domain is configured on this server"))
		return
	}

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

	clusterName := d.InstanceName
	if err := runStage(sm, deployment.StateRendering, func() error {
		_, err := p.Deps.Renderer.Render("eks-cluster", map[string]any{
			"cluster_name":       clusterName,
			"region":             scope.Region,
			"node_instance_type": "t3.medium",
			"node_count":         "2",
			"vpc_cidr":           "10.0.0.0/16",
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
	outputs, err := applyIaCDriver(ctx, sm, driver, ws)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	mergeOutputs(d, outputs)

	if err := sm.Transition(deployment.StateBuilding, "cluster provisioned"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	registryStrategy := &imagebuild.RegistryStrategy{
		Runner: p.Deps.Runner,
		Creds: imagebuild.RegistryCredentials{
			AccessKeyID:     scope.AccessKeyID,
			SecretAccessKey: scope.SecretAccessKey,
			Region:          scope.Region,
		},
		Sink: sink,
	}
	repository, err := registryStrategy.ResolveRepository(ctx, d.ID)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	imageRef, err := registryStrategy.Build(ctx, imagebuild.BuildInput{
		DeploymentID: d.ID,
		CommitSHA:    snap.CommitSHA,
		SourceDir:    ws.SourcePath(),
		Repository:   repository,
		BuilderBin:   p.Deps.Config.Tools.ContainerBuilder,
	})
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	d.ImageRef = imageRef.FullRef

	if err := sm.Transition(deployment.StateImagePublishing, "built"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	events.End(sink, "image-build", fmt.Sprintf("pushed %s", imageRef.FullRef))

	bootstrapper := &cluster.CloudHostedBootstrapper{
		HelmBin: p.Deps.Config.Tools.HelmBinary,
		Runner:  p.Deps.Runner,
		Sink:    sink,
	}
	kubeconfigPath := filepath.Join(ws.TFPath(), "kubeconfig")
	lbHostname, err := p.bootstrapCluster(ctx, sm, bootstrapper, outputs, ws, d, scope, clusterName, kubeconfigPath)
	if err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if d.BaseHostedZoneID != "" {
		if err := p.applyDNS(ctx, ws, d, lbHostname, scope); err != nil {
			_ = fail(sm, p.Deps.DB, ws, d, err)
			return
		}
	}

	if err := sm.Transition(deployment.StateApplyingManifests, "cluster bootstrapped"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	applier := &manifests.Applier{
		KubectlBin:     p.Deps.Config.Tools.KubectlBinary,
		Runner:         p.Deps.Runner,
		KubeconfigArgs: []string{"--kubeconfig", kubeconfigPath},
		RolloutTimeout: p.Deps.Config.Timeouts.RolloutWait,
		Sink:           sink,
	}
	if err := p.applyManifests(ctx, ws, d, snap, applier); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}

	if err := sm.Transition(deployment.StateWaitingRollout, "manifests applied"); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
	}
	if err := applier.WaitForRollout(ctx, d.TargetNamespace, d.ID); err != nil {
		_ = fail(sm, p.Deps.DB, ws, d, err)
		return
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

func (p *CloudHostedPipeline) bootstrapCluster(
	ctx context.Context,
	sm *StateMachine,
	b *cluster.CloudHostedBootstrapper,
	outputs iac.OutputBag,
	ws *workspace.Workspace,
	d *deployment.Deployment,
	scope *credentials.Scope,
	clusterName, kubeconfigPath string,
) (string, error) {
	if err := sm.Transition(deployment.StateClusterBootstrapping, "image published"); err != nil {
		return "", err
	}

	token, err := b.GetBearerToken(ctx, clusterName, scope.Region, scope.Env())
	if err != nil {
		return "", err
	}
	endpoint := outputs["cluster_endpoint"].String()
	caData := outputs["cluster_certificate_authority_data"].String()

	kubeCfg, err := cluster.SynthesizeKubeconfig(clusterName, endpoint, caData, token)
	if err != nil {
		return "", err
	}
	if err := cluster.WriteKubeconfig(kubeCfg, kubeconfigPath); err != nil {
		return "", err
	}

	valuesPath, err := p.Deps.Renderer.Render("ingress-values", map[string]any{
		"replica_count":       "2",
		"load_balancer_class": "",
	}, ws.TFPath())
	if err != nil {
		return "", err
	}
	if err := b.InstallIngressController(ctx, kubeconfigPath, valuesPath); err != nil {
		return "", err
	}

	clientset, err := cluster.NewClientset(kubeCfg)
	if err != nil {
		return "", err
	}
	return b.WaitForLoadBalancerHostname(ctx, clientset, ingressServiceNamespace, ingressServiceName)
}

func (p *CloudHostedPipeline) applyDNS(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, lbHostname string, scope *credentials.Scope) error {
	dnsDir := filepath.Join(ws.TFPath(), "dns")
	if _, err := p.Deps.Renderer.Render("eks-dns-tls", map[string]any{
		"hosted_zone_id":  d.BaseHostedZoneID,
		"subdomain_label": d.AppSubdomainLabel,
		"base_domain":     p.Deps.Config.DefaultDomainForApps,
		"nlb_dns_name":    lbHostname,
	}, dnsDir); err != nil {
		return err
	}

	dnsDriver := &iac.Driver{
		Binary:       p.Deps.Config.Tools.IaCBinary,
		TFDir:        dnsDir,
		Runner:       p.Deps.Runner,
		Env:          scope.Env(),
		ApplyTimeout: p.Deps.Config.Timeouts.IaCApply,
		Sink:         nil,
	}
	if err := dnsDriver.Init(ctx); err != nil {
		return err
	}
	if _, err := dnsDriver.Plan(ctx); err != nil {
		return err
	}
	dnsOutputs, err := dnsDriver.Apply(ctx)
	if err != nil {
		return err
	}
	mergeOutputs(d, dnsOutputs)
	return nil
}

// mergeOutputs copies non-sensitive Terraform outputs into d.Outputs, which
// the chat API's terminal delta reads from directly.
func mergeOutputs(d *deployment.Deployment, outputs iac.OutputBag) {
	if d.Outputs == nil {
		d.Outputs = map[string]string{}
	}
	for k, v := range outputs {
		if v.Sensitive {
			continue
		}
		d.Outputs[k] = v.String()
	}
}

func (p *CloudHostedPipeline) applyManifests(ctx context.Context, ws *workspace.Workspace, d *deployment.Deployment, snap *source.Snapshot, applier *manifests.Applier) error {
	port := 8080
	if snap.Port != "" {
		fmt.Sscanf(snap.Port, "%d", &port)
	}

	host := ""
	if d.AppSubdomainLabel != "" && p.Deps.Config.DefaultDomainForApps != "" {
		host = d.AppSubdomainLabel + "." + p.Deps.Config.DefaultDomainForApps
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
		Host:          host,
	}, ws.ManifestsPath())
	if err != nil {
		return err
	}
	return applier.Apply(ctx, paths)
}

func applyIaCDriver(ctx context.Context, sm *StateMachine, driver *iac.Driver, ws *workspace.Workspace) (iac.OutputBag, error) {
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
