// Package catalog caches the upstream model list and serves the filtered
// views used by both the proxy (capability checks) and the management
// endpoints.
//
// Refreshes are single-flight: concurrent readers during a refresh receive
// the prior snapshot when one exists, or block up to FirstLoadTimeout
// awaiting first population. TTL expiry is lazy — checked on read, never by a
// background goroutine.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

const (
	// DefaultTTL is how long a fetched snapshot stays fresh.
	DefaultTTL = 15 * time.Minute

	// FirstLoadTimeout bounds how long a reader waits for the initial
	// population before falling back to the curated list.
	FirstLoadTimeout = 30 * time.Second
)

// Fetcher is the upstream dependency; satisfied by *openrouter.Client.
type Fetcher interface {
	ListModels(ctx context.Context, apiKey string) openrouter.Result[[]openrouter.ModelInfo]
}

// KeySource supplies the credential attached to catalog fetches. The catalog
// works unauthenticated, but an authenticated fetch sees account-gated models.
type KeySource func() string

// Cache is the process-wide model catalog.
type Cache struct {
	fetcher Fetcher
	keyFn   KeySource
	ttl     time.Duration
	log     *slog.Logger

	// baseCtx drives background refreshes. Request contexts must not leak
	// into them: a fasthttp RequestCtx is recycled once its handler returns.
	baseCtx context.Context

	// onRefresh is invoked once per actual upstream fetch with its outcome.
	onRefresh func(ok bool)

	mu        sync.RWMutex
	models    []openrouter.ModelInfo
	byID      map[string]openrouter.ModelInfo
	fetchedAt time.Time

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the snapshot TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBaseContext sets the context background refreshes run under, typically
// the application context so in-flight fetches stop at shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Cache) {
		if ctx != nil {
			c.baseCtx = ctx
		}
	}
}

// WithRefreshObserver registers a callback for upstream fetch outcomes, used
// to feed the catalog refresh metrics.
func WithRefreshObserver(fn func(ok bool)) Option {
	return func(c *Cache) { c.onRefresh = fn }
}

// New creates a Cache. keyFn may be nil for unauthenticated fetches.
func New(fetcher Fetcher, keyFn KeySource, log *slog.Logger, opts ...Option) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if keyFn == nil {
		keyFn = func() string { return "" }
	}
	c := &Cache{
		fetcher: fetcher,
		keyFn:   keyFn,
		ttl:     DefaultTTL,
		log:     log,
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// All returns the full cached list, refreshing when the snapshot is older
// than the TTL. During a refresh, callers holding a prior snapshot get it
// immediately; first-time callers block up to FirstLoadTimeout and fall back
// to the curated list when the upstream stays unreachable.
func (c *Cache) All(ctx context.Context) []openrouter.ModelInfo {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
	snapshot := c.models
	populated := !c.fetchedAt.IsZero()
	c.mu.RUnlock()

	if fresh {
		return snapshot
	}

	if populated {
		// Stale but usable: kick a refresh and serve the prior value. The
		// refresh runs on the cache's own context, never the request's.
		go c.refresh(c.baseCtx)
		return snapshot
	}

	// First population: bounded wait. The fetch itself is detached so a
	// caller timing out does not abort it for everyone behind the flight.
	waitCtx, cancel := context.WithTimeout(ctx, FirstLoadTimeout)
	defer cancel()

	done := make(chan []openrouter.ModelInfo, 1)
	go func() { done <- c.refresh(c.baseCtx) }()

	select {
	case models := <-done:
		if models != nil {
			return models
		}
		return Curated()
	case <-waitCtx.Done():
		c.log.Warn("catalog: first population timed out, serving curated list")
		return Curated()
	}
}

// refresh performs a single-flight upstream fetch and installs the snapshot.
// Returns nil when the fetch failed.
func (c *Cache) refresh(ctx context.Context) []openrouter.ModelInfo {
	v, err, _ := c.group.Do("models", func() (any, error) {
		res := c.fetcher.ListModels(ctx, c.keyFn())
		if c.onRefresh != nil {
			c.onRefresh(res.OK())
		}
		if !res.OK() {
			c.log.Warn("catalog: refresh failed",
				slog.String("error", res.Err.Message),
				slog.Int("status", res.Err.StatusCode),
			)
			return nil, res.Err
		}

		index := make(map[string]openrouter.ModelInfo, len(res.Data))
		for _, m := range res.Data {
			index[m.ID] = m
		}

		c.mu.Lock()
		c.models = res.Data
		c.byID = index
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		c.log.Debug("catalog: refreshed", slog.Int("models", len(res.Data)))
		return res.Data, nil
	})
	if err != nil {
		return nil
	}
	return v.([]openrouter.ModelInfo)
}

// ByID returns the cached record for id, or nil when uncached. It never
// triggers a fetch — capability checks are fail-open by design.
func (c *Cache) ByID(id string) *openrouter.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.byID[id]; ok {
		return &m
	}
	return nil
}

// ByProvider filters the catalog on the "<slug>/" id prefix.
func (c *Cache) ByProvider(ctx context.Context, slug string) []openrouter.ModelInfo {
	prefix := strings.TrimSuffix(slug, "/") + "/"
	var out []openrouter.ModelInfo
	for _, m := range c.All(ctx) {
		if strings.HasPrefix(m.ID, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Search performs a case-insensitive substring match on id and name.
func (c *Cache) Search(ctx context.Context, q string) []openrouter.ModelInfo {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return c.All(ctx)
	}
	var out []openrouter.ModelInfo
	for _, m := range c.All(ctx) {
		if strings.Contains(strings.ToLower(m.ID), q) || strings.Contains(strings.ToLower(m.Name), q) {
			out = append(out, m)
		}
	}
	return out
}

// Invalidate drops the snapshot so the next read refetches. Called after
// provisioning events that may change the visible model set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.byID = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Age returns how old the current snapshot is, and false when unpopulated.
func (c *Cache) Age() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return 0, false
	}
	return time.Since(c.fetchedAt), true
}
