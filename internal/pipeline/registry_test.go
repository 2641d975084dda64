package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deploysmith/orchestrator/internal/deployment"
)

func TestRegistryTryStartRefusesDuplicate(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.TryStart("dep-1", deployment.ModeLocal))
	assert.False(t, r.TryStart("dep-1", deployment.ModeLocal))
	assert.True(t, r.IsActive("dep-1"))
}

func TestRegistryFinishFreesID(t *testing.T) {
	r := NewRegistry()

	require := assert.New(t)
	require.True(r.TryStart("dep-1", deployment.ModeCloudLocal))
	r.Finish("dep-1")
	require.False(r.IsActive("dep-1"))
	require.True(r.TryStart("dep-1", deployment.ModeCloudLocal))
}

func TestRegistryUpdateStateOnlyAffectsActiveEntries(t *testing.T) {
	r := NewRegistry()
	r.UpdateState("unknown", deployment.StateBuilding)

	r.TryStart("dep-1", deployment.ModeLocal)
	r.UpdateState("dep-1", deployment.StateBuilding)
	r.mu.Lock()
	got := r.active["dep-1"].State
	r.mu.Unlock()
	assert.Equal(t, deployment.StateBuilding, got)
}

func TestRegistryConcurrentTryStartOnlyOneWins(t *testing.T) {
	r := NewRegistry()
	const attempts = 50

	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.TryStart("contested", deployment.ModeLocal)
		}()
	}
	wg.Wait()
	close(wins)

	winCount := 0
	for w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount)
}
