package coverage

import (
	"context"
	"sync"
	"time"
)

// Cache serves coverage results with a short TTL so the health endpoint does
// not recompute coverage on every probe.
type Cache struct {
	calc *Calculator
	ttl  time.Duration

	mu      sync.Mutex
	results map[int]*cachedResult
	now     func() time.Time
}

type cachedResult struct {
	result    *Result
	expiresAt time.Time
}

// NewCache wraps a calculator with a TTL cache. A non-positive ttl defaults
// to one minute.
func NewCache(calc *Calculator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		calc:    calc,
		ttl:     ttl,
		results: make(map[int]*cachedResult),
		now:     time.Now,
	}
}

// GetMatchCoverage returns the cached result for the window when fresh,
// recomputing otherwise. Results are cached per window size.
func (c *Cache) GetMatchCoverage(ctx context.Context, hoursAhead int) (*Result, error) {
	c.mu.Lock()
	if cached, ok := c.results[hoursAhead]; ok && c.now().Before(cached.expiresAt) {
		result := cached.result
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	result, err := c.calc.GetMatchCoverage(ctx, hoursAhead)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.results[hoursAhead] = &cachedResult{result: result, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return result, nil
}

// Invalidate drops all cached results. Called after recovery actions that
// change queue contents.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.results = make(map[int]*cachedResult)
	c.mu.Unlock()
}
