package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveReleaseRoundTrip(t *testing.T) {
	b := New(64)
	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		idx, ok := b.Reserve()
		require.True(t, ok)
		assert.False(t, seen[idx], "index %d reserved twice", idx)
		seen[idx] = true
		assert.False(t, b.Test(idx))
	}

	_, ok := b.Reserve()
	assert.False(t, ok, "expected AGAIN once saturated")

	b.Release(17)
	assert.True(t, b.Test(17))
	idx, ok := b.Reserve()
	require.True(t, ok)
	assert.Equal(t, 17, idx)
}

func TestNewMasksTrailingBits(t *testing.T) {
	b := New(5)
	for i := 0; i < 5; i++ {
		_, ok := b.Reserve()
		require.True(t, ok)
	}
	_, ok := b.Reserve()
	assert.False(t, ok, "bits beyond n must not be reservable")
}

func TestConcurrentReserveIsExclusive(t *testing.T) {
	const n = 256
	b := New(n)
	var wg sync.WaitGroup
	results := make(chan int, n)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := b.Reserve()
				if !ok {
					return
				}
				results <- idx
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool, n)
	for idx := range results {
		require.False(t, seen[idx], "index %d double-reserved", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, n)
}
