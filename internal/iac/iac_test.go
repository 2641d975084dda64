package iac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

func TestHasExistingStateFalseWhenAbsent(t *testing.T) {
	d := &Driver{TFDir: t.TempDir(), Runner: subprocrunner.New()}
	assert.False(t, d.HasExistingState())
}

func TestHasExistingStateFalseWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "terraform.tfstate"), nil, 0o644))
	d := &Driver{TFDir: dir, Runner: subprocrunner.New()}
	assert.False(t, d.HasExistingState())
}

func TestHasExistingStateTrueWhenPopulated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "terraform.tfstate"), []byte(`{"version":4}`), 0o644))
	d := &Driver{TFDir: dir, Runner: subprocrunner.New()}
	assert.True(t, d.HasExistingState())
}

func TestOutputString(t *testing.T) {
	o := Output{Value: []byte(`"eks-cluster-endpoint.example.com"`)}
	assert.Equal(t, "eks-cluster-endpoint.example.com", o.String())

	raw := Output{Value: []byte(`42`)}
	assert.Equal(t, "42", raw.String())
}

func TestPlanPathAndStatePath(t *testing.T) {
	d := &Driver{TFDir: "/tmp/ws/tf"}
	assert.Equal(t, "/tmp/ws/tf/tfplan", d.PlanPath())
	assert.Equal(t, "/tmp/ws/tf/terraform.tfstate", d.StatePath())
}
