package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

// stubFetcher counts upstream fetches and serves a canned result.
type stubFetcher struct {
	calls  atomic.Int64
	delay  time.Duration
	fail   bool
	models []openrouter.ModelInfo
}

func (f *stubFetcher) ListModels(ctx context.Context, _ string) openrouter.Result[[]openrouter.ModelInfo] {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if f.fail {
		return openrouter.Result[[]openrouter.ModelInfo]{
			StatusCode: 503,
			Err:        &openrouter.Error{Message: "unavailable", StatusCode: 503},
		}
	}
	return openrouter.Result[[]openrouter.ModelInfo]{Data: f.models, StatusCode: 200}
}

func testModels() []openrouter.ModelInfo {
	return []openrouter.ModelInfo{
		{ID: "openai/gpt-4o", Name: "OpenAI: GPT-4o"},
		{ID: "openai/gpt-4o-mini", Name: "OpenAI: GPT-4o-mini"},
		{ID: "anthropic/claude-3.5-sonnet", Name: "Anthropic: Claude 3.5 Sonnet"},
	}
}

func TestAllFetchesOnce(t *testing.T) {
	f := &stubFetcher{models: testModels()}
	c := New(f, nil, nil)

	got := c.All(context.Background())
	if len(got) != 3 {
		t.Fatalf("models: got %d, want 3", len(got))
	}

	// Fresh snapshot: subsequent reads hit the cache.
	c.All(context.Background())
	c.All(context.Background())
	if n := f.calls.Load(); n != 1 {
		t.Errorf("upstream fetches: got %d, want 1", n)
	}
}

func TestConcurrentFirstLoadIsSingleFlight(t *testing.T) {
	f := &stubFetcher{models: testModels(), delay: 50 * time.Millisecond}
	c := New(f, nil, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.All(context.Background()); len(got) != 3 {
				t.Errorf("models: got %d", len(got))
			}
		}()
	}
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("upstream fetches under concurrency: got %d, want 1", n)
	}
}

func TestFirstLoadFailureServesCurated(t *testing.T) {
	f := &stubFetcher{fail: true}
	c := New(f, nil, nil)

	got := c.All(context.Background())
	want := Curated()
	if len(got) != len(want) {
		t.Fatalf("expected curated fallback (%d models), got %d", len(want), len(got))
	}
	if got[0].ID != want[0].ID {
		t.Errorf("curated head: got %q, want %q", got[0].ID, want[0].ID)
	}
}

func TestStaleSnapshotServedDuringRefresh(t *testing.T) {
	f := &stubFetcher{models: testModels()}
	c := New(f, nil, nil, WithTTL(time.Nanosecond))

	c.All(context.Background())
	time.Sleep(time.Millisecond)

	// Snapshot is now stale: the read returns the prior value immediately and
	// refreshes in the background.
	got := c.All(context.Background())
	if len(got) != 3 {
		t.Errorf("stale read: got %d models", len(got))
	}
}

func TestByID(t *testing.T) {
	c := New(&stubFetcher{models: testModels()}, nil, nil)
	c.All(context.Background())

	if m := c.ByID("openai/gpt-4o"); m == nil || m.Name != "OpenAI: GPT-4o" {
		t.Errorf("ByID hit: got %+v", m)
	}
	if m := c.ByID("missing/model"); m != nil {
		t.Errorf("ByID miss should be nil, got %+v", m)
	}
}

func TestByIDNeverFetches(t *testing.T) {
	f := &stubFetcher{models: testModels()}
	c := New(f, nil, nil)

	if m := c.ByID("openai/gpt-4o"); m != nil {
		t.Errorf("unpopulated ByID should be nil, got %+v", m)
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("ByID triggered %d fetches", n)
	}
}

func TestByProviderAndSearch(t *testing.T) {
	c := New(&stubFetcher{models: testModels()}, nil, nil)
	ctx := context.Background()

	openai := c.ByProvider(ctx, "openai")
	if len(openai) != 2 {
		t.Errorf("openai models: got %d, want 2", len(openai))
	}

	hits := c.Search(ctx, "SONNET")
	if len(hits) != 1 || hits[0].ID != "anthropic/claude-3.5-sonnet" {
		t.Errorf("search: got %+v", hits)
	}

	if got := c.Search(ctx, "  "); len(got) != 3 {
		t.Errorf("blank search should return all, got %d", len(got))
	}
}

type callerKey struct{}

// valueFetcher records the context value seen by every fetch.
type valueFetcher struct {
	calls  atomic.Int64
	mu     sync.Mutex
	seen   []any
	models []openrouter.ModelInfo
}

func (f *valueFetcher) ListModels(ctx context.Context, _ string) openrouter.Result[[]openrouter.ModelInfo] {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, ctx.Value(callerKey{}))
	f.mu.Unlock()
	return openrouter.Result[[]openrouter.ModelInfo]{Data: f.models, StatusCode: 200}
}

func TestRefreshDetachedFromCallerContext(t *testing.T) {
	f := &valueFetcher{models: testModels()}
	c := New(f, nil, nil, WithTTL(time.Nanosecond))

	// Both the first population and the stale-serve background refresh must
	// run on the cache's own context: the caller's may be a recycled
	// request context by the time the fetch runs.
	reqCtx := context.WithValue(context.Background(), callerKey{}, "request")
	c.All(reqCtx)
	time.Sleep(time.Millisecond)
	c.All(reqCtx)

	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.calls.Load() < 2 {
		t.Fatal("background refresh never ran")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range f.seen {
		if v != nil {
			t.Errorf("fetch %d saw caller context value %v", i, v)
		}
	}
}

func TestWithBaseContextDrivesRefreshes(t *testing.T) {
	f := &valueFetcher{models: testModels()}
	base := context.WithValue(context.Background(), callerKey{}, "app")
	c := New(f, nil, nil, WithBaseContext(base))

	c.All(context.Background())

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) != 1 || f.seen[0] != "app" {
		t.Errorf("fetch contexts: %v, want the configured base context", f.seen)
	}
}

func TestRefreshObserverOutcomes(t *testing.T) {
	f := &stubFetcher{fail: true}
	var mu sync.Mutex
	var outcomes []bool
	c := New(f, nil, nil, WithRefreshObserver(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	}))

	c.All(context.Background()) // failed first population

	f.fail = false
	f.models = testModels()
	c.All(context.Background()) // successful retry

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] || !outcomes[1] {
		t.Errorf("observer outcomes: %v, want [false true]", outcomes)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &stubFetcher{models: testModels()}
	c := New(f, nil, nil)

	c.All(context.Background())
	c.Invalidate()
	if _, ok := c.Age(); ok {
		t.Error("Age should report unpopulated after Invalidate")
	}
	c.All(context.Background())

	if n := f.calls.Load(); n != 2 {
		t.Errorf("fetches after invalidate: got %d, want 2", n)
	}
}
