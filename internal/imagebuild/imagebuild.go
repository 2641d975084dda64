// Package imagebuild builds a container image from a workspace's fetched
// source and makes it available to the target cluster, via one of three
// BuildStrategy implementations selected by deployment mode.
package imagebuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

const stageName = "image-build"

// Reference identifies a built image, wherever it ended up living.
type Reference struct {
	Tag        string
	Repository string
	FullRef    string
}

// BuildInput carries everything a strategy needs to produce an image.
type BuildInput struct {
	DeploymentID string
	CommitSHA    string
	SourceDir    string
	Repository   string
	BuilderBin   string
}

// BuildStrategy builds (and, where applicable, publishes) a container image.
type BuildStrategy interface {
	Build(ctx context.Context, in BuildInput) (*Reference, error)
}

// Tag derives the content-addressed image tag: the first 12 hex characters
// of a SHA-256 over {deployment id, commit sha, build timestamp}.
func Tag(deploymentID, commitSHA string, at time.Time) string {
	sum := sha256.Sum256([]byte(deploymentID + commitSHA + at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:12]
}

func emitStart(sink events.Sink, msg string) { events.Start(sink, stageName, msg) }
func emitLog(sink events.Sink, msg string)   { events.Log(sink, stageName, msg) }
func emitEnd(sink events.Sink, msg string)   { events.End(sink, stageName, msg) }
func emitFail(sink events.Sink, msg string)  { events.Fail(sink, stageName, msg) }

func buildTime() time.Time { return time.Now() }

func buildExitError(name string, result *subprocrunner.Result) error {
	return apperrors.NewSubprocessExitError(name, result.ExitCode, result.Tail)
}

func splitLines(out []byte) []string {
	trimmed := strings.TrimRight(string(out), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func exitCodeFromErr(err error) int {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
