package verify

import (
	"context"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"busattend/internal/metrics"
)

const (
	maxAttempts   = 3 // per scan: cached, cached, fresh
	escalateAfter = 2 // consecutive failures before fetching a fresh signature
)

// EmbeddingStore supplies stored signatures. CachedSignature may serve a cached
// copy; FreshSignature must hit the source of truth and refresh the cache.
type EmbeddingStore interface {
	CachedSignature(ctx context.Context, studentID string) ([]float64, error)
	FreshSignature(ctx context.Context, studentID string) ([]float64, error)
}

// Coordinator wraps the engine with a stateful retry and fresh-fetch policy.
// Failure counters are per-process and bounded; losing them only resets retry
// aggressiveness, it never affects correctness.
type Coordinator struct {
	engine       *Engine
	store        EmbeddingStore
	fetchTimeout time.Duration
	failures     *lru.Cache[string, int]
}

// NewCoordinator builds a coordinator with a bounded per-student failure counter.
func NewCoordinator(engine *Engine, store EmbeddingStore, counterSize int, fetchTimeout time.Duration) *Coordinator {
	if counterSize <= 0 {
		counterSize = 4096
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 3 * time.Second
	}
	failures, _ := lru.New[string, int](counterSize)
	return &Coordinator{
		engine:       engine,
		store:        store,
		fetchTimeout: fetchTimeout,
		failures:     failures,
	}
}

// Verify runs up to three verification attempts for one scan. Once the
// student's consecutive-failure counter reaches the escalation point, the next
// attempt fetches a fresh signature from the source of truth, bypassing the
// cache. Fetch errors fall back to the cached value. Exhaustion yields an
// unverified outcome carrying the final attempt's score; it never blocks the
// attendance record.
func (c *Coordinator) Verify(ctx context.Context, studentID string, captured []float64) Outcome {
	stored, err := c.store.CachedSignature(ctx, studentID)
	if err != nil {
		log.Printf("cached signature lookup for %s failed: %v", studentID, err)
		stored = nil
	}

	var fresh []float64
	fetched := false
	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sig := stored
		if c.count(studentID) >= escalateAfter {
			if !fetched {
				f, ferr := c.fetchFresh(ctx, studentID)
				if ferr != nil {
					// Fresh fetch unavailable; keep using the cached value and
					// let the next attempt retry the fetch.
					log.Printf("fresh signature fetch for %s failed: %v", studentID, ferr)
				} else {
					fresh = f
					fetched = true
				}
			}
			if fetched {
				sig = fresh
			}
		}

		metrics.VerificationAttempts.Inc()
		out = c.engine.Compare(sig, captured)
		if out.Verified {
			c.failures.Remove(studentID)
			return out
		}
		c.increment(studentID)
	}

	out.Verified = false
	out.Reason = ReasonLowConfidence
	return out
}

func (c *Coordinator) fetchFresh(ctx context.Context, studentID string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	metrics.FreshFetches.Inc()
	return c.store.FreshSignature(ctx, studentID)
}

func (c *Coordinator) count(studentID string) int {
	n, _ := c.failures.Get(studentID)
	return n
}

func (c *Coordinator) increment(studentID string) {
	n, _ := c.failures.Get(studentID)
	c.failures.Add(studentID, n+1)
}
