package imagebuild

import (
	"context"
	"fmt"

	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

// LocalStrategy builds the image with the configured container builder
// binary on the machine the orchestrator itself runs on, via the Subprocess
// Runner.
type LocalStrategy struct {
	Runner *subprocrunner.Runner
	Sink   events.Sink
}

func (s *LocalStrategy) Build(ctx context.Context, in BuildInput) (*Reference, error) {
	fullRef := fmt.Sprintf("%s:%s", in.Repository, Tag(in.DeploymentID, in.CommitSHA, buildTime()))

	emitStart(s.Sink, fmt.Sprintf("building %s", fullRef))

	result, err := s.Runner.Run(ctx, subprocrunner.Spec{
		Name: in.BuilderBin,
		Args: []string{"build", "-t", fullRef, "."},
		Dir:  in.SourceDir,
		OnLine: func(_ subprocrunner.Stream, line string) {
			emitLog(s.Sink, line)
		},
	})
	if err != nil {
		emitFail(s.Sink, "build launch failed")
		return nil, err
	}
	if result.ExitCode != 0 {
		emitFail(s.Sink, fmt.Sprintf("build exited with code %d", result.ExitCode))
		return nil, buildExitError(in.BuilderBin, result)
	}

	emitEnd(s.Sink, fmt.Sprintf("built %s", fullRef))
	return &Reference{Tag: fullRef, Repository: in.Repository, FullRef: fullRef}, nil
}
