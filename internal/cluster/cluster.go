// Package cluster bootstraps the Kubernetes control plane a deployment will
// run on, one implementation per deployment mode: a local ephemeral kind
// cluster, an ephemeral kind cluster on a cloud VM reached over SSH, or a
// managed EKS cluster reached through a synthesized kubeconfig.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

const stageName = "cluster-bootstrap"

// LocalBootstrapper drives a local-cluster CLI (default kind) to stand up an
// ephemeral cluster on the same host the orchestrator runs on.
type LocalBootstrapper struct {
	CLIBin      string
	KubectlBin  string
	ClusterName string
	Runner      *subprocrunner.Runner
	Sink        events.Sink
}

// Ensure creates the cluster if it doesn't already exist, using the
// rendered kind config at configPath, then applies the CNI manifest.
func (b *LocalBootstrapper) Ensure(ctx context.Context, configPath, cniManifestPath string) error {
	events.Start(b.Sink, stageName, fmt.Sprintf("checking for local cluster %s", b.ClusterName))

	exists, err := b.clusterExists(ctx)
	if err != nil {
		events.Fail(b.Sink, stageName, "cluster lookup failed")
		return err
	}

	if !exists {
		events.Log(b.Sink, stageName, "creating local cluster")
		result, err := b.Runner.Run(ctx, subprocrunner.Spec{
			Name: b.CLIBin,
			Args: []string{"create", "cluster", "--config", configPath, "--name", b.ClusterName},
			OnLine: func(_ subprocrunner.Stream, line string) {
				events.Log(b.Sink, stageName, line)
			},
		})
		if err != nil {
			events.Fail(b.Sink, stageName, "cluster create launch failed")
			return err
		}
		if result.ExitCode != 0 {
			events.Fail(b.Sink, stageName, "cluster create failed")
			return apperrors.NewSubprocessExitError(b.CLIBin, result.ExitCode, result.Tail)
		}
	}

	if cniManifestPath != "" {
		result, err := b.Runner.Run(ctx, subprocrunner.Spec{
			Name: b.KubectlBin,
			Args: []string{"apply", "-f", cniManifestPath},
		})
		if err != nil {
			events.Fail(b.Sink, stageName, "cni apply launch failed")
			return err
		}
		if result.ExitCode != 0 {
			events.Fail(b.Sink, stageName, "cni apply failed")
			return apperrors.NewSubprocessExitError(b.KubectlBin, result.ExitCode, result.Tail)
		}
	}

	events.End(b.Sink, stageName, "local cluster ready")
	return nil
}

// LoadImage makes a locally built image visible to the cluster's runtime
// without a registry round trip.
func (b *LocalBootstrapper) LoadImage(ctx context.Context, imageRef string) error {
	events.Log(b.Sink, stageName, fmt.Sprintf("loading image %s into cluster", imageRef))
	result, err := b.Runner.Run(ctx, subprocrunner.Spec{
		Name: b.CLIBin,
		Args: []string{"load", "docker-image", imageRef, "--name", b.ClusterName},
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return apperrors.NewSubprocessExitError(b.CLIBin, result.ExitCode, result.Tail)
	}
	return nil
}

func (b *LocalBootstrapper) clusterExists(ctx context.Context) (bool, error) {
	var out []string
	result, err := b.Runner.Run(ctx, subprocrunner.Spec{
		Name: b.CLIBin,
		Args: []string{"get", "clusters"},
		OnLine: func(_ subprocrunner.Stream, line string) {
			out = append(out, line)
		},
	})
	if err != nil {
		return false, err
	}
	if result.ExitCode != 0 {
		return false, apperrors.NewSubprocessExitError(b.CLIBin, result.ExitCode, result.Tail)
	}
	for _, line := range out {
		if line == b.ClusterName {
			return true, nil
		}
	}
	return false, nil
}

// PollInterval and PollTimeout bound the cloud-local bootstrap-sentinel and
// cloud-hosted load-balancer polling loops.
const (
	PollInterval = 10 * time.Second
	PollTimeout  = 10 * time.Minute
)
