package imagebuild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTagIsDeterministicForSameInputs(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Tag("dep-1", "abc123", at)
	b := Tag("dep-1", "abc123", at)
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestTagDiffersOnDeploymentID(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Tag("dep-1", "abc123", at)
	b := Tag("dep-2", "abc123", at)
	assert.NotEqual(t, a, b)
}

func TestTagDiffersOnTimestamp(t *testing.T) {
	a := Tag("dep-1", "abc123", time.Unix(0, 0))
	b := Tag("dep-1", "abc123", time.Unix(1, 0))
	assert.NotEqual(t, a, b)
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitLines([]byte("a\nb\n")))
	assert.Nil(t, splitLines([]byte("")))
	assert.Nil(t, splitLines([]byte("\n")))
}
