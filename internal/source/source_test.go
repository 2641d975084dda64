package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFailsOnUnreachableRepo(t *testing.T) {
	tempDir := t.TempDir()

	snap, err := Fetch(context.Background(), filepath.Join(tempDir, "clone"), "https://example.invalid/not/a/repo.git", nil, nil)

	// Expected to fail on clone since the remote does not exist.
	assert.Error(t, err)
	assert.Nil(t, snap)
}

func TestFindContainerRecipe(t *testing.T) {
	tempDir := t.TempDir()

	_, ok := findContainerRecipe(tempDir)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "Dockerfile"), []byte("FROM scratch"), 0o644))
	path, ok := findContainerRecipe(tempDir)
	assert.True(t, ok)
	assert.Equal(t, "Dockerfile", path)
}

func TestFindContainerRecipeFallsBackToContainerfile(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "Containerfile"), []byte("FROM scratch"), 0o644))

	path, ok := findContainerRecipe(tempDir)
	assert.True(t, ok)
	assert.Equal(t, "Containerfile", path)
}

func TestFindReadme(t *testing.T) {
	tempDir := t.TempDir()

	_, ok := findReadme(tempDir)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "README.md"), []byte("# hi"), 0o644))
	path, ok := findReadme(tempDir)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(tempDir, "README.md"), path)
}

func TestExtractCommand(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"Run `npm run build` to build the app", "npm run build"},
		{"$ make build", "make build"},
		{"```", ""},
		{"just some prose about building", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, extractCommand(c.line))
	}
}

func TestInspectReadmeExtractsBuildRunPort(t *testing.T) {
	tempDir := t.TempDir()
	readme := filepath.Join(tempDir, "README.md")
	content := "# Example\n\nTo build: `docker build -t app .`\n\nTo run: `docker run -p 8080:8080 app`\n\nListens on :8080 by default.\n"
	require.NoError(t, os.WriteFile(readme, []byte(content), 0o644))

	snap := &Snapshot{}
	inspectReadme(readme, snap)

	assert.Equal(t, "docker build -t app .", snap.BuildCommand)
	assert.Equal(t, "docker run -p 8080:8080 app", snap.RunCommand)
	assert.Equal(t, "8080", snap.Port)
}
