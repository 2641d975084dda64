package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/apperrors"
)

func TestRenderMissingVariablesReturnsTemplateError(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.Render("k8s-namespace", map[string]any{}, t.TempDir())
	require.Error(t, err)

	var templateErr *apperrors.TemplateError
	require.ErrorAs(t, err, &templateErr)
	assert.Equal(t, []string{"namespace"}, templateErr.Missing)
}

func TestRenderNamespaceWritesFile(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	outDir := t.TempDir()
	path, err := r.Render("k8s-namespace", map[string]any{"namespace": "demo-app"}, outDir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: demo-app")
	assert.Equal(t, filepath.Join(outDir, "k8s-namespace.yaml"), path)
}

func TestRenderDeploymentWithEnvAndSecretRef(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	vars := map[string]any{
		"name":           "demo-app",
		"namespace":      "demo-app",
		"image":          "ghcr.io/example/demo-app:abc123",
		"replicas":       2,
		"container_port": 8080,
		"env": []map[string]any{
			{"name": "LOG_LEVEL", "value": "info"},
			{"name": "DB_PASSWORD", "secret_ref": true},
		},
	}

	path, err := r.Render("k8s-deployment", vars, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `value: "info"`)
	assert.Contains(t, out, "secretKeyRef")
	assert.Contains(t, out, "key: DB_PASSWORD")
}

func TestRenderSecretBase64Encodes(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	vars := map[string]any{
		"name":      "demo-app",
		"namespace": "demo-app",
		"data":      map[string]string{"DB_PASSWORD": "hunter2"},
	}

	path, err := r.Render("k8s-secret", vars, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DB_PASSWORD: aHVudGVyMg==")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.Render("does-not-exist", map[string]any{}, t.TempDir())
	assert.Error(t, err)
}
