package store

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

// RouteMode selects how reads and writes are spread across backends during
// a migration window.
type RouteMode string

const (
	// ModeSingle routes everything to the primary.
	ModeSingle RouteMode = "single"
	// ModeDual writes to both backends and reads from the primary,
	// failing reads over to the secondary when the breaker opens.
	ModeDual RouteMode = "dual"
	// ModeShadow is dual-write plus a configured percentage of reads
	// repeated against the secondary for comparison. Shadow responses
	// are logged, never returned.
	ModeShadow RouteMode = "shadow"
)

type RouterConfig struct {
	Mode              RouteMode
	ShadowReadPercent int
	BreakerThreshold  int
	BreakerCooldown   time.Duration
}

// Router is the configuration-driven decorator over two Driver backends.
// Routing is decided per call, never hardcoded.
type Router struct {
	config    RouterConfig
	primary   types.Driver
	secondary types.Driver
	breaker   *breaker

	mu  sync.Mutex
	rng *rand.Rand
}

var _ types.Driver = (*Router)(nil)

func NewRouter(config RouterConfig, primary, secondary types.Driver) *Router {
	if config.Mode == "" {
		config.Mode = ModeSingle
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = 30 * time.Second
	}

	return &Router{
		config:    config,
		primary:   primary,
		secondary: secondary,
		breaker: &breaker{
			threshold: config.BreakerThreshold,
			cooldown:  config.BreakerCooldown,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Router) dualWrite() bool {
	return r.secondary != nil &&
		(r.config.Mode == ModeDual || r.config.Mode == ModeShadow)
}

// fanOutWrite applies a write to the primary and, in dual/shadow mode, the
// secondary. A secondary failure is logged but does not fail the write: the
// primary remains authoritative until cutover.
func (r *Router) fanOutWrite(op string, primary func(types.Driver) error) error {
	if err := primary(r.primary); err != nil {
		return err
	}
	if r.dualWrite() {
		if err := primary(r.secondary); err != nil {
			log.Printf("store router: secondary %s failed: %v", op, err)
		}
	}
	return nil
}

func (r *Router) CreateDocument(ctx context.Context, doc *models.Document) error {
	return r.fanOutWrite("create", func(d types.Driver) error {
		return d.CreateDocument(ctx, doc)
	})
}

func (r *Router) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return r.primary.GetDocument(ctx, id)
}

func (r *Router) UpdateStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error {
	return r.fanOutWrite("update status", func(d types.Driver) error {
		return d.UpdateStatus(ctx, id, status, retryCount, nextAttemptAt, lastError)
	})
}

func (r *Router) DuePending(ctx context.Context, now time.Time, limit int) ([]*models.Document, error) {
	return r.primary.DuePending(ctx, now, limit)
}

func (r *Router) ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	return r.primary.ListDocuments(ctx, limit, offset)
}

func (r *Router) Write(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	return r.fanOutWrite("write", func(d types.Driver) error {
		return d.Write(ctx, doc, chunks)
	})
}

func (r *Router) VectorSearch(ctx context.Context, embedding []float32, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	return r.routeSearch(ctx, "vector", func(ctx context.Context, d types.Driver) ([]types.ScoredChunk, error) {
		return d.VectorSearch(ctx, embedding, topK, filters)
	})
}

func (r *Router) KeywordSearch(ctx context.Context, query string, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	return r.routeSearch(ctx, "keyword", func(ctx context.Context, d types.Driver) ([]types.ScoredChunk, error) {
		return d.KeywordSearch(ctx, query, topK, filters)
	})
}

type searchCall func(ctx context.Context, d types.Driver) ([]types.ScoredChunk, error)

func (r *Router) routeSearch(ctx context.Context, op string, call searchCall) ([]types.ScoredChunk, error) {
	// While the breaker is open the failing primary is skipped entirely.
	if r.dualWrite() && !r.breaker.allow() {
		log.Printf("store router: breaker open, %s search served by secondary", op)
		return call(ctx, r.secondary)
	}

	results, err := call(ctx, r.primary)
	if err != nil {
		opened := r.breaker.recordFailure()
		if r.dualWrite() && opened {
			log.Printf("store router: primary %s search failing, breaker opened: %v", op, err)
			return call(ctx, r.secondary)
		}
		return nil, err
	}
	r.breaker.recordSuccess()

	if r.config.Mode == ModeShadow && r.secondary != nil && r.roll() {
		r.shadowCompare(ctx, op, results, call)
	}

	return results, nil
}

func (r *Router) roll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(100) < r.config.ShadowReadPercent
}

// shadowCompare repeats the read against the secondary and logs result
// overlap so migration quality can be judged before cutover.
func (r *Router) shadowCompare(ctx context.Context, op string, primary []types.ScoredChunk, call searchCall) {
	shadow, err := call(ctx, r.secondary)
	if err != nil {
		log.Printf("store router: shadow %s search failed: %v", op, err)
		return
	}

	ids := make(map[string]bool, len(primary))
	for _, sc := range primary {
		ids[sc.Chunk.ID] = true
	}
	overlap := 0
	for _, sc := range shadow {
		if ids[sc.Chunk.ID] {
			overlap++
		}
	}
	log.Printf("store router: shadow %s search overlap %d/%d (secondary returned %d)",
		op, overlap, len(primary), len(shadow))
}

func (r *Router) Count(ctx context.Context) (int, error) {
	return r.primary.Count(ctx)
}

func (r *Router) Delete(ctx context.Context, documentID string) error {
	return r.fanOutWrite("delete", func(d types.Driver) error {
		return d.Delete(ctx, documentID)
	})
}

func (r *Router) Close() {
	r.primary.Close()
	if r.secondary != nil {
		r.secondary.Close()
	}
}

// breaker counts consecutive failures. After the threshold it opens for a
// cool-down window, then allows a single probe (half-open) before deciding
// again.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// allow reports whether the protected backend may be called. Once the
// cool-down passes, one caller gets through as a probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if time.Now().After(b.openUntil) {
		// Half-open: let one probe through. A failure re-opens the
		// window, a success resets the count.
		b.openUntil = time.Now().Add(b.cooldown)
		return true
	}
	return false
}

// recordFailure returns true when this failure opened (or kept open) the
// breaker.
func (b *breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
