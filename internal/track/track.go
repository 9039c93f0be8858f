// Package track implements a non-blocking generation tracker.
//
// Completed chat generations are written to an internal buffered channel and
// folded into a bounded in-memory ring by a background goroutine, so tracking
// never blocks the proxy hot path. If the channel fills up, new records are
// dropped and counted in Dropped.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
)

const channelBuffer = 1_000

// Generation is one completed chat completion, streamed or not.
type Generation struct {
	ID        uuid.UUID       `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	Model     string          `json:"model"`
	Streamed  bool            `json:"streamed"`
	Status    int             `json:"status"`
	LatencyMs int64           `json:"latency_ms"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tracker retains the most recent generations up to the configured bound.
// Tracking can be toggled at runtime through the settings store.
type Tracker struct {
	ch        chan Generation
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store *settings.Store
	log   *slog.Logger

	mu   sync.RWMutex
	ring []Generation
}

// New creates a Tracker and starts its background goroutine.
func New(ctx context.Context, store *settings.Store, log *slog.Logger) (*Tracker, error) {
	if ctx == nil {
		return nil, fmt.Errorf("track: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	t := &Tracker{
		ch:    make(chan Generation, channelBuffer),
		done:  make(chan struct{}),
		store: store,
		log:   log,
	}

	t.wg.Add(1)
	go t.run(ctx)

	return t, nil
}

// Record enqueues a generation. Never blocks; drops when the buffer is full
// or tracking is disabled.
func (t *Tracker) Record(g Generation) {
	if !t.store.TrackGenerations() {
		return
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	select {
	case t.ch <- g:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

// Dropped returns the number of generations discarded due to backpressure.
func (t *Tracker) Dropped() int64 {
	return atomic.LoadInt64(&t.dropped)
}

// Recent returns tracked generations, newest first.
func (t *Tracker) Recent() []Generation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Generation, len(t.ring))
	for i, g := range t.ring {
		out[len(t.ring)-1-i] = g
	}
	return out
}

// Clear discards all tracked generations.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.ring = nil
	t.mu.Unlock()
}

// Close stops the background goroutine after draining the channel.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case g := <-t.ch:
			t.append(g)
		case <-t.done:
			for {
				select {
				case g := <-t.ch:
					t.append(g)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) append(g Generation) {
	max := t.store.MaxTrackedGenerations()
	if max <= 0 {
		return
	}
	t.mu.Lock()
	t.ring = append(t.ring, g)
	if over := len(t.ring) - max; over > 0 {
		t.ring = t.ring[over:]
	}
	t.mu.Unlock()
}
