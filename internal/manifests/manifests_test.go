package manifests

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/render"
)

func newTestGenerator(t *testing.T, registry *RegistryConfig) *Generator {
	t.Helper()
	r, err := render.New()
	require.NoError(t, err)
	return NewGenerator(r, registry)
}

func TestGenerateRejectsInvalidEnvVar(t *testing.T) {
	g := newTestGenerator(t, nil)

	_, err := g.Generate(GenerateInput{
		Name:          "demo",
		Namespace:     "demo",
		Image:         "nginx:1.21",
		Replicas:      1,
		ContainerPort: 80,
		EnvVars:       []deployment.EnvVar{{Name: "BAD"}},
	}, t.TempDir())

	assert.Error(t, err)
}

func TestGenerateProducesNamespaceDeploymentService(t *testing.T) {
	g := newTestGenerator(t, nil)
	outDir := t.TempDir()

	paths, err := g.Generate(GenerateInput{
		Name:          "demo",
		Namespace:     "demo",
		Image:         "nginx:1.21",
		Replicas:      2,
		ContainerPort: 8080,
	}, outDir)
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestGenerateIncludesIngressWhenHostSet(t *testing.T) {
	g := newTestGenerator(t, nil)

	paths, err := g.Generate(GenerateInput{
		Name:          "demo",
		Namespace:     "demo",
		Image:         "nginx:1.21",
		Replicas:      1,
		ContainerPort: 80,
		ServicePort:   80,
		Host:          "demo.example.com",
	}, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestGenerateIncludesSecretWhenPresent(t *testing.T) {
	g := newTestGenerator(t, nil)

	paths, err := g.Generate(GenerateInput{
		Name:          "demo",
		Namespace:     "demo",
		Image:         "nginx:1.21",
		Replicas:      1,
		ContainerPort: 80,
		Secrets:       map[string]string{"DB_PASSWORD": "hunter2"},
	}, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestNeedsImagePullSecretECR(t *testing.T) {
	g := newTestGenerator(t, &RegistryConfig{Type: "ecr"})
	assert.True(t, g.needsImagePullSecret("123456789012.dkr.ecr.us-east-1.amazonaws.com/demo:abc"))
	assert.False(t, g.needsImagePullSecret("docker.io/library/nginx:1.21"))
}

func TestImagePullSecretNameDefaultsWhenUnset(t *testing.T) {
	g := newTestGenerator(t, &RegistryConfig{Type: "ecr"})
	assert.Equal(t, "registry-credentials", g.imagePullSecretName("123456789012.dkr.ecr.us-east-1.amazonaws.com/demo:abc"))
	assert.Equal(t, "", g.imagePullSecretName("docker.io/library/nginx:1.21"))
}
