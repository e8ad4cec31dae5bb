package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	ceiling := 5 * time.Minute

	assert.Equal(t, 4*time.Second, backoff(1, base, ceiling))
	assert.Equal(t, 8*time.Second, backoff(2, base, ceiling))
	assert.Equal(t, 16*time.Second, backoff(3, base, ceiling))

	// Monotone in the retry count until the cap.
	prev := time.Duration(0)
	for n := 1; n < 12; n++ {
		d := backoff(n, base, ceiling)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		prev = d
	}

	assert.Equal(t, ceiling, backoff(20, base, ceiling))
	// Out-of-range counts clamp instead of underflowing.
	assert.Equal(t, 4*time.Second, backoff(0, base, ceiling))
	assert.Equal(t, 4*time.Second, backoff(-3, base, ceiling))
}

func TestWithJitter(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 200; i++ {
		j := withJitter(d)
		assert.GreaterOrEqual(t, j, time.Duration(float64(d)*0.75))
		assert.LessOrEqual(t, j, time.Duration(float64(d)*1.25))
	}
}

func TestLeaseTable(t *testing.T) {
	leases := newLeaseTable()

	assert.True(t, leases.tryAcquire("doc-1"))
	assert.False(t, leases.tryAcquire("doc-1"))
	assert.True(t, leases.tryAcquire("doc-2"))

	leases.release("doc-1")
	assert.True(t, leases.tryAcquire("doc-1"))
}

func TestLeaseTable_Concurrent(t *testing.T) {
	leases := newLeaseTable()

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if leases.tryAcquire("contested") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
}
