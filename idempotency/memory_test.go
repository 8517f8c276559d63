package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryClaim(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemory()

	claimed, err := ledger.TryClaim(ctx, "orchestrator", "m1")
	assert.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = ledger.TryClaim(ctx, "orchestrator", "m1")
	assert.NoError(t, err)
	assert.False(t, claimed)

	// a different consumer sees the same message as new
	claimed, err = ledger.TryClaim(ctx, "mailer", "m1")
	assert.NoError(t, err)
	assert.True(t, claimed)
}

func TestTryClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemory()

	const attempts = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := ledger.TryClaim(ctx, "orchestrator", "m1")
			assert.NoError(t, err)
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
