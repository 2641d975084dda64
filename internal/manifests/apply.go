package manifests

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

const stageName = "manifests"

// Applier drives kubectl against a target cluster through the Subprocess
// Runner. KubeconfigArgs lets cloud-hosted mode pass `--kubeconfig <path>`
// while local mode relies on kubectl's default context; cloud-local runs
// kubectl over SSH and does not use Applier.
type Applier struct {
	KubectlBin     string
	Runner         *subprocrunner.Runner
	KubeconfigArgs []string
	RolloutTimeout time.Duration
	Sink           events.Sink
}

func (a *Applier) baseArgs() []string {
	return append([]string{}, a.KubeconfigArgs...)
}

func (a *Applier) run(ctx context.Context, args []string) (*subprocrunner.Result, error) {
	return a.Runner.Run(ctx, subprocrunner.Spec{
		Name: a.KubectlBin,
		Args: append(a.baseArgs(), args...),
		OnLine: func(_ subprocrunner.Stream, line string) {
			events.Log(a.Sink, stageName, line)
		},
	})
}

// Apply runs `kubectl apply -f <path>` for each rendered manifest, in order.
func (a *Applier) Apply(ctx context.Context, paths []string) error {
	events.Start(a.Sink, stageName, "applying manifests")
	for _, p := range paths {
		result, err := a.run(ctx, []string{"apply", "-f", p})
		if err != nil {
			events.Fail(a.Sink, stageName, "apply launch failed")
			return err
		}
		if result.ExitCode != 0 {
			events.Fail(a.Sink, stageName, fmt.Sprintf("apply of %s failed", p))
			return apperrors.NewSubprocessExitError(a.KubectlBin, result.ExitCode, result.Tail)
		}
	}
	events.End(a.Sink, stageName, "manifests applied")
	return nil
}

// WaitForRollout runs `kubectl rollout status` with the configured timeout.
// A nonzero exit after that timeout is reported as RolloutTimeout carrying
// the last observed status line.
func (a *Applier) WaitForRollout(ctx context.Context, namespace, name string) error {
	var lastLine string
	events.Start(a.Sink, stageName, "waiting for rollout")

	timeout := a.RolloutTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	result, err := a.Runner.Run(ctx, subprocrunner.Spec{
		Name:    a.KubectlBin,
		Args:    append(a.baseArgs(), "rollout", "status", fmt.Sprintf("deployment/%s", name), "-n", namespace, "--timeout="+timeout.String()),
		Timeout: timeout + 10*time.Second,
		OnLine: func(_ subprocrunner.Stream, line string) {
			lastLine = line
			events.Log(a.Sink, stageName, line)
		},
	})
	if err != nil {
		events.Fail(a.Sink, stageName, "rollout status launch failed")
		return err
	}
	if result.ExitCode != 0 {
		events.Fail(a.Sink, stageName, "rollout did not converge")
		return apperrors.NewRolloutTimeout(lastLine)
	}

	events.End(a.Sink, stageName, "rollout succeeded")
	return nil
}

// Scale patches replica count directly, without re-rendering any manifest.
func (a *Applier) Scale(ctx context.Context, namespace, name string, replicas int) error {
	events.Log(a.Sink, stageName, fmt.Sprintf("scaling %s to %d replicas", name, replicas))
	result, err := a.run(ctx, []string{"scale", fmt.Sprintf("deployment/%s", name), "-n", namespace, fmt.Sprintf("--replicas=%d", replicas)})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return apperrors.NewSubprocessExitError(a.KubectlBin, result.ExitCode, result.Tail)
	}
	return nil
}

// NodePort queries the nodePort kubectl assigned to name's first Service
// port, used to derive a reachable URL for clusters with no load balancer
// in front of them.
func (a *Applier) NodePort(ctx context.Context, namespace, name string) (int, error) {
	var out []string
	result, err := a.Runner.Run(ctx, subprocrunner.Spec{
		Name: a.KubectlBin,
		Args: append(a.baseArgs(), "get", "service", name, "-n", namespace, "-o", "jsonpath={.spec.ports[0].nodePort}"),
		OnLine: func(_ subprocrunner.Stream, line string) {
			out = append(out, line)
		},
	})
	if err != nil {
		return 0, err
	}
	if result.ExitCode != 0 {
		return 0, apperrors.NewSubprocessExitError(a.KubectlBin, result.ExitCode, result.Tail)
	}
	port, err := strconv.Atoi(strings.TrimSpace(strings.Join(out, "")))
	if err != nil {
		return 0, fmt.Errorf("could not parse nodePort from kubectl output: %w", err)
	}
	return port, nil
}

// SetImage patches a deployment's container image in place via the cluster
// API, used by redeploy instead of reapplying the full manifest.
func (a *Applier) SetImage(ctx context.Context, namespace, name, container, newRef string) error {
	events.Log(a.Sink, stageName, fmt.Sprintf("setting image for %s to %s", name, newRef))
	result, err := a.run(ctx, []string{"set", "image", fmt.Sprintf("deployment/%s", name), fmt.Sprintf("%s=%s", container, newRef), "-n", namespace})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return apperrors.NewSubprocessExitError(a.KubectlBin, result.ExitCode, result.Tail)
	}
	return nil
}
