package ingest

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// schedule polls for pending documents whose next attempt is due and hands
// them to the worker pool. Submit nudges it so fresh documents don't wait a
// full poll interval.
func (c *Coordinator) schedule(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.nudge:
		}
		c.dispatchDue(ctx)
	}
}

func (c *Coordinator) dispatchDue(ctx context.Context) {
	docs, err := c.store.DuePending(ctx, time.Now().UTC(), c.config.Workers*4)
	if err != nil {
		log.Printf("ingest: failed to poll pending documents: %v", err)
		return
	}

	for _, doc := range docs {
		select {
		case c.workCh <- doc:
		default:
			// Workers are saturated; the document stays pending and the
			// next poll picks it up again.
			return
		}
	}
}

// backoff is the stateless retry delay: base * 2^n, capped. Jitter is
// applied separately so this stays deterministic under test.
func backoff(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

var jitterMu sync.Mutex
var jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))

// withJitter spreads a delay by ±25% to avoid a thundering herd of retries
// landing on the same tick.
func withJitter(d time.Duration) time.Duration {
	jitterMu.Lock()
	f := jitterRng.Float64()
	jitterMu.Unlock()
	return d + time.Duration((f-0.5)*0.5*float64(d))
}

// leaseTable is the per-document mutual-exclusion lease: at most one
// processing attempt in flight per document id.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]bool)}
}

func (l *leaseTable) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *leaseTable) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
