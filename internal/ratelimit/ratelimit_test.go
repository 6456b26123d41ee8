package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryConsumeAllowsUpToMaxThenBlocks(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryConsume("ip:1.2.3.4"), "request %d should be allowed", i)
	}
	assert.False(t, l.TryConsume("ip:1.2.3.4"))
}

func TestTryConsumeIsPerKey(t *testing.T) {
	l := New(1, time.Minute)

	assert.True(t, l.TryConsume("ip:1.2.3.4"))
	assert.True(t, l.TryConsume("ip:5.6.7.8"))
	assert.False(t, l.TryConsume("ip:1.2.3.4"))
}

func TestTryConsumeRefillsOnFixedWindowBoundary(t *testing.T) {
	l := New(1, 20*time.Millisecond)

	require.True(t, l.TryConsume("k"))
	require.False(t, l.TryConsume("k"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.TryConsume("k"), "bucket should fully refill once the window elapses")
}

func TestBlockOverridesAvailability(t *testing.T) {
	l := New(5, time.Minute)
	l.Block("ip:1.2.3.4", 50*time.Millisecond)

	assert.False(t, l.TryConsume("ip:1.2.3.4"))
	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.TryConsume("ip:1.2.3.4"))
}

func TestSweepRemovesOnlyStaleBuckets(t *testing.T) {
	l := New(5, 10*time.Millisecond)
	l.TryConsume("stale")
	time.Sleep(30 * time.Millisecond)
	l.TryConsume("fresh")

	removed := l.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())
}

// TestTryConsumeLinearizablePerKey exercises the claim that concurrent
// callers against the same key never observe more successes than the
// bucket's capacity, regardless of scheduling.
func TestTryConsumeLinearizablePerKey(t *testing.T) {
	l := New(10, time.Minute)

	var wg sync.WaitGroup
	successes := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- l.TryConsume("shared")
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 10, count)
}
