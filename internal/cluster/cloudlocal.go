package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
)

const bootstrapSentinelPath = "/var/lib/orchestrator/bootstrap.done"

// CloudLocalBootstrapper waits for the cloud VM's own bootstrap script
// (baked into the cloud-vm template's user-data) to finish, then tunnels
// every subsequent cluster operation through the same SSH client the
// cloud-local pipeline opened and also handed to the Container Image
// Builder's RemoteStrategy for this deployment.
type CloudLocalBootstrapper struct {
	Client           *ssh.Client
	KubectlBin       string
	RemoteKubeconfig string
	Sink             events.Sink
}

// WaitForBootstrap polls for the sentinel file the cloud-vm template's
// user-data script writes once kind and the CNI are up, backing off between
// polls.
func (b *CloudLocalBootstrapper) WaitForBootstrap(ctx context.Context) error {
	events.Start(b.Sink, stageName, "waiting for cloud-vm bootstrap")
	deadline := time.Now().Add(PollTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ready, err := b.sentinelExists()
		if err != nil {
			events.Warn(b.Sink, stageName, fmt.Sprintf("bootstrap poll failed: %v", err))
		} else if ready {
			events.End(b.Sink, stageName, "cloud-vm bootstrap complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}

	events.Fail(b.Sink, stageName, "cloud-vm bootstrap timed out")
	return apperrors.NewRolloutTimeout("cloud-vm bootstrap sentinel never appeared")
}

func (b *CloudLocalBootstrapper) sentinelExists() (bool, error) {
	session, err := b.Client.NewSession()
	if err != nil {
		return false, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	err = session.Run(fmt.Sprintf("test -f %s", bootstrapSentinelPath))
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return false, nil
	}
	return false, err
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Kubectl runs a kubectl command remotely over SSH against the cloud VM's
// kubeconfig, rather than copying the kubeconfig down to run it locally.
func (b *CloudLocalBootstrapper) Kubectl(args ...string) (string, error) {
	session, err := b.Client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	cmd := b.KubectlBin + " --kubeconfig " + b.RemoteKubeconfig
	for _, a := range args {
		cmd += " " + shellQuote(a)
	}

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(out), fmt.Errorf("remote kubectl failed: %w", err)
	}
	return string(out), nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

// ApplyManifest streams a rendered manifest file's contents to a remote
// `kubectl --kubeconfig <path> apply -f -`, since the manifest was rendered
// into the local workspace but the cluster only exists on the cloud VM.
func (b *CloudLocalBootstrapper) ApplyManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rendered manifest %q: %w", path, err)
	}

	session, err := b.Client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("%s --kubeconfig %s apply -f -", b.KubectlBin, b.RemoteKubeconfig)
	out, err := session.CombinedOutput(cmd)
	lines := splitLines(out)
	for _, line := range lines {
		events.Log(b.Sink, stageName, line)
	}
	if err != nil {
		return apperrors.NewSubprocessExitError(cmd, exitCodeFromSSHErr(err), lines)
	}
	return nil
}

func splitLines(out []byte) []string {
	trimmed := strings.TrimRight(string(out), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func exitCodeFromSSHErr(err error) int {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
