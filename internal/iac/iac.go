// Package iac drives a Terraform-compatible binary through the init/plan/
// apply/output/destroy lifecycle against a workspace's tf directory.
//
// Grounded on the teacher's preference for explicit, narrow wrappers around
// external state (db.go's migrate-on-open pattern is the same shape: check
// for existing state, branch, converge) — generalized here from SQLite
// migrations to Terraform state.
package iac

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

const stageName = "iac"

// OutputBag is the decoded result of `terraform output -json`.
type OutputBag map[string]Output

// Output is a single named output value as Terraform's JSON encodes it.
type Output struct {
	Value     json.RawMessage `json:"value"`
	Sensitive bool            `json:"sensitive"`
	Type      json.RawMessage `json:"type,omitempty"`
}

// String returns o's value as a plain string, unquoting a JSON string value.
func (o Output) String() string {
	var s string
	if err := json.Unmarshal(o.Value, &s); err == nil {
		return s
	}
	return string(o.Value)
}

// Driver wraps an IaC binary (default terraform) against a single workspace
// tf directory.
type Driver struct {
	Binary string
	TFDir  string
	Runner *subprocrunner.Runner
	Env    map[string]string
	Sink   events.Sink

	// ApplyTimeout bounds Apply's subprocess call only; init/plan/destroy run
	// untimed since they are comparatively quick and a hung apply is the
	// failure mode operators actually hit against slow cloud provisioning.
	ApplyTimeout time.Duration
}

func (d *Driver) run(ctx context.Context, timeout time.Duration, args ...string) (*subprocrunner.Result, error) {
	return d.Runner.Run(ctx, subprocrunner.Spec{
		Name:    d.Binary,
		Args:    args,
		Dir:     d.TFDir,
		Env:     d.Env,
		Timeout: timeout,
		OnLine: func(_ subprocrunner.Stream, line string) {
			events.Log(d.Sink, stageName, line)
		},
	})
}

// StatePath is the conventional location of Terraform's local state file.
func (d *Driver) StatePath() string {
	return filepath.Join(d.TFDir, "terraform.tfstate")
}

// HasExistingState reports whether this workspace has a non-empty state
// file from a prior apply — the signal that a subsequent deploy call is a
// resumption rather than a fresh build.
func (d *Driver) HasExistingState() bool {
	info, err := os.Stat(d.StatePath())
	return err == nil && info.Size() > 0
}

// Init runs `terraform init`.
func (d *Driver) Init(ctx context.Context) error {
	events.Start(d.Sink, stageName, "initializing")
	result, err := d.run(ctx, 0, "init", "-input=false")
	if err != nil {
		events.Fail(d.Sink, stageName, "init launch failed")
		return err
	}
	if result.ExitCode != 0 {
		events.Fail(d.Sink, stageName, "init failed")
		return apperrors.NewSubprocessExitError(d.Binary, result.ExitCode, result.Tail)
	}
	events.Log(d.Sink, stageName, "initialized")
	return nil
}

// PlanPath is where Plan writes its plan file.
func (d *Driver) PlanPath() string {
	return filepath.Join(d.TFDir, "tfplan")
}

// Plan runs `terraform plan -out=tfplan` and reports whether the plan is a
// no-op (no changes), which matters on resumption.
func (d *Driver) Plan(ctx context.Context) (noop bool, err error) {
	events.Log(d.Sink, stageName, "planning")
	result, err := d.run(ctx, 0, "plan", "-input=false", "-detailed-exitcode", "-out="+d.PlanPath())
	if err != nil {
		return false, err
	}
	// terraform plan -detailed-exitcode: 0 = no changes, 1 = error, 2 = changes present.
	switch result.ExitCode {
	case 0:
		return true, nil
	case 2:
		return false, nil
	default:
		events.Fail(d.Sink, stageName, "plan failed")
		return false, apperrors.NewSubprocessExitError(d.Binary, result.ExitCode, result.Tail)
	}
}

// Apply runs `terraform apply` against the plan file written by Plan, then
// loads outputs.
func (d *Driver) Apply(ctx context.Context) (OutputBag, error) {
	events.Log(d.Sink, stageName, "applying")
	result, err := d.run(ctx, d.ApplyTimeout, "apply", "-input=false", d.PlanPath())
	if err != nil {
		events.Fail(d.Sink, stageName, "apply launch failed")
		return nil, err
	}
	if result.ExitCode != 0 {
		events.Fail(d.Sink, stageName, "apply failed")
		return nil, apperrors.NewSubprocessExitError(d.Binary, result.ExitCode, result.Tail)
	}

	outputs, err := d.Output(ctx)
	if err != nil {
		return nil, err
	}
	events.End(d.Sink, stageName, "applied")
	return outputs, nil
}

// Output runs `terraform output -json` and decodes it into an OutputBag.
func (d *Driver) Output(ctx context.Context) (OutputBag, error) {
	var buf []string
	result, err := d.Runner.Run(ctx, subprocrunner.Spec{
		Name: d.Binary,
		Args: []string{"output", "-json"},
		Dir:  d.TFDir,
		Env:  d.Env,
		OnLine: func(_ subprocrunner.Stream, line string) {
			buf = append(buf, line)
		},
	})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, apperrors.NewSubprocessExitError(d.Binary, result.ExitCode, result.Tail)
	}

	joined := ""
	for _, l := range buf {
		joined += l + "\n"
	}
	var outputs OutputBag
	if err := json.Unmarshal([]byte(joined), &outputs); err != nil {
		return nil, fmt.Errorf("failed to parse terraform output: %w", err)
	}
	return outputs, nil
}

// Destroy runs `terraform destroy`. Failure is reported, not panicked: the
// pipeline marks the deployment decommission-attempted and leaves the
// workspace in place for operator inspection.
func (d *Driver) Destroy(ctx context.Context) error {
	events.Start(d.Sink, stageName, "destroying")
	result, err := d.run(ctx, 0, "destroy", "-input=false", "-auto-approve")
	if err != nil {
		events.Fail(d.Sink, stageName, "destroy launch failed")
		return apperrors.WrapDecommissionError(err)
	}
	if result.ExitCode != 0 {
		events.Fail(d.Sink, stageName, "destroy failed")
		return apperrors.WrapDecommissionError(
			apperrors.NewSubprocessExitError(d.Binary, result.ExitCode, result.Tail))
	}
	events.End(d.Sink, stageName, "destroyed")
	return nil
}

// PlanOnResumption validates that a resumed deployment's plan is a no-op,
// returning IaCPlanMismatch if Terraform would make unexpected changes.
func (d *Driver) PlanOnResumption(ctx context.Context) error {
	noop, err := d.Plan(ctx)
	if err != nil {
		return err
	}
	if !noop {
		return apperrors.NewIaCPlanMismatch("resumed workspace plan shows pending changes")
	}
	return nil
}
