package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

// CloudHostedBootstrapper drives a managed EKS cluster: synthesizes a
// kubeconfig scoped to this deployment from the IaC Driver's output bag,
// installs the ingress controller with helm, and polls for the ingress
// Service's load-balancer hostname.
type CloudHostedBootstrapper struct {
	HelmBin string
	Runner  *subprocrunner.Runner
	Sink    events.Sink
}

// SynthesizeKubeconfig builds an in-memory kubeconfig (one cluster, user and
// context, all named clusterName) scoped to a single EKS cluster, using a
// short-lived bearer token rather than long-lived credentials.
func SynthesizeKubeconfig(clusterName, endpoint, caDataB64, bearerToken string) (*clientcmdapi.Config, error) {
	caData, err := base64.StdEncoding.DecodeString(caDataB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cluster CA data: %w", err)
	}

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[clusterName] = &clientcmdapi.Cluster{
		Server:                   endpoint,
		CertificateAuthorityData: caData,
	}
	cfg.AuthInfos[clusterName] = &clientcmdapi.AuthInfo{
		Token: bearerToken,
	}
	cfg.Contexts[clusterName] = &clientcmdapi.Context{
		Cluster:  clusterName,
		AuthInfo: clusterName,
	}
	cfg.CurrentContext = clusterName

	return cfg, nil
}

// WriteKubeconfig serializes cfg to path for tools (helm, kubectl) that
// need a file rather than an in-memory REST config.
func WriteKubeconfig(cfg *clientcmdapi.Config, path string) error {
	return clientcmd.WriteToFile(*cfg, path)
}

// NewClientset builds a typed clientset from a synthesized kubeconfig, for
// WaitForLoadBalancerHostname's polling. The clientset is built from the
// in-memory config; only WriteKubeconfig puts a kubeconfig file on disk.
func NewClientset(cfg *clientcmdapi.Config) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.NewNonInteractiveClientConfig(
		*cfg, cfg.CurrentContext, &clientcmd.ConfigOverrides{}, nil,
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build rest config from synthesized kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}

// eksTokenStatus is the subset of `aws eks get-token`'s ExecCredential JSON
// this package needs.
type eksTokenStatus struct {
	Status struct {
		Token string `json:"token"`
	} `json:"status"`
}

// GetBearerToken shells out to `aws eks get-token`, which signs a presigned
// STS URL into a short-lived bearer token — the same token kubectl's
// exec-credential plugin would produce, obtained once up front instead of
// re-invoked per request since this orchestrator only needs the token for
// its own bootstrap calls.
func (b *CloudHostedBootstrapper) GetBearerToken(ctx context.Context, clusterName, region string, env map[string]string) (string, error) {
	var out []byte
	result, err := b.Runner.Run(ctx, subprocrunner.Spec{
		Name: "aws",
		Args: []string{"eks", "get-token", "--cluster-name", clusterName, "--region", region},
		Env:  env,
		OnLine: func(_ subprocrunner.Stream, line string) {
			out = append(out, []byte(line)...)
		},
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", apperrors.NewSubprocessExitError("aws eks get-token", result.ExitCode, result.Tail)
	}

	var tok eksTokenStatus
	if err := json.Unmarshal(out, &tok); err != nil {
		return "", fmt.Errorf("failed to parse eks get-token output: %w", err)
	}
	return tok.Status.Token, nil
}

// InstallIngressController runs `helm upgrade --install` against the
// synthesized kubeconfig using values rendered from ingress-values.yaml.
func (b *CloudHostedBootstrapper) InstallIngressController(ctx context.Context, kubeconfigPath, valuesPath string) error {
	events.Start(b.Sink, stageName, "installing ingress controller")
	result, err := b.Runner.Run(ctx, subprocrunner.Spec{
		Name: b.HelmBin,
		Args: []string{
			"upgrade", "--install", "ingress-nginx", "ingress-nginx",
			"--repo", "https://kubernetes.github.io/ingress-nginx",
			"--kubeconfig", kubeconfigPath,
			"--namespace", "ingress-nginx", "--create-namespace",
			"-f", valuesPath,
		},
		OnLine: func(_ subprocrunner.Stream, line string) {
			events.Log(b.Sink, stageName, line)
		},
	})
	if err != nil {
		events.Fail(b.Sink, stageName, "helm launch failed")
		return err
	}
	if result.ExitCode != 0 {
		events.Fail(b.Sink, stageName, "helm install failed")
		return apperrors.NewSubprocessExitError(b.HelmBin, result.ExitCode, result.Tail)
	}
	events.End(b.Sink, stageName, "ingress controller installed")
	return nil
}

// WaitForLoadBalancerHostname polls the ingress controller Service via a
// typed clientset until status.loadBalancer.ingress[0].hostname appears.
func (b *CloudHostedBootstrapper) WaitForLoadBalancerHostname(ctx context.Context, clientset kubernetes.Interface, namespace, serviceName string) (string, error) {
	events.Start(b.Sink, stageName, "waiting for load balancer hostname")
	deadline := time.Now().Add(PollTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		svc, err := clientset.CoreV1().Services(namespace).Get(ctx, serviceName, metav1.GetOptions{})
		if err == nil && len(svc.Status.LoadBalancer.Ingress) > 0 {
			hostname := hostnameFromIngress(svc.Status.LoadBalancer.Ingress[0])
			if hostname != "" {
				events.End(b.Sink, stageName, fmt.Sprintf("load balancer hostname: %s", hostname))
				return hostname, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(PollInterval):
		}
	}

	events.Fail(b.Sink, stageName, "load balancer hostname never appeared")
	return "", apperrors.NewRolloutTimeout("ingress load balancer hostname did not appear within timeout")
}

func hostnameFromIngress(ingress corev1.LoadBalancerIngress) string {
	if ingress.Hostname != "" {
		return ingress.Hostname
	}
	return ingress.IP
}
