// Package status computes the proxy's upstream connection status from
// periodic credential probes.
package status

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/zhavoronkov/openrouter-proxy/internal/metrics"
	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// ConnectionStatus is the proxy's view of the upstream link.
type ConnectionStatus string

const (
	NotConfigured ConnectionStatus = "NOT_CONFIGURED"
	Connecting    ConnectionStatus = "CONNECTING"
	Ready         ConnectionStatus = "READY"
	Offline       ConnectionStatus = "OFFLINE"
	Error         ConnectionStatus = "ERROR"
)

// Code returns a stable numeric code for metrics gauges.
func (s ConnectionStatus) Code() int {
	switch s {
	case NotConfigured:
		return 0
	case Connecting:
		return 1
	case Ready:
		return 2
	case Offline:
		return 3
	default:
		return 4
	}
}

// Prober is the upstream surface used for probing; satisfied by
// *openrouter.Client.
type Prober interface {
	GetKeyInfo(ctx context.Context, apiKey string) openrouter.Result[openrouter.KeyInfo]
}

// Monitor runs background probes and exposes the latest status.
type Monitor struct {
	prober  Prober
	store   *settings.Store
	metrics *metrics.Registry
	baseCtx context.Context

	mu      sync.RWMutex
	current ConnectionStatus
	lastErr string

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor and starts background probes. The first probe
// runs synchronously so the status is never blank.
func NewMonitor(ctx context.Context, prober Prober, store *settings.Store, met *metrics.Registry) *Monitor {
	if ctx == nil {
		panic("status: context must not be nil")
	}
	m := &Monitor{
		prober:    prober,
		store:     store,
		metrics:   met,
		baseCtx:   ctx,
		current:   Connecting,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	m.probe()

	m.wg.Add(1)
	go m.run()
	return m
}

// Current returns the latest computed status.
func (m *Monitor) Current() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot is the /health payload detail.
type Snapshot struct {
	Status        ConnectionStatus `json:"status"`
	Detail        string           `json:"detail,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Snapshot returns the latest probe outcome.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:        m.current,
		Detail:        m.lastErr,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}
}

// Refresh triggers an immediate probe. Used after credential changes.
func (m *Monitor) Refresh() {
	m.probe()
}

// Close stops the background probe goroutine.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.done:
			return
		case <-m.baseCtx.Done():
			return
		}
	}
}

func (m *Monitor) probe() {
	key := m.store.APIKey()
	if key == "" {
		m.set(NotConfigured, "")
		return
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, probeTimeout)
	defer cancel()

	res := m.prober.GetKeyInfo(ctx, key)
	switch {
	case res.OK():
		m.set(Ready, "")
	case res.Err.StatusCode == 0:
		detail := res.Err.Message
		var netErr net.Error
		if errors.As(res.Err.Cause, &netErr) && netErr.Timeout() {
			detail = "upstream probe timed out"
		}
		m.set(Offline, detail)
	default:
		m.set(Error, res.Err.Message)
	}
}

func (m *Monitor) set(s ConnectionStatus, detail string) {
	m.mu.Lock()
	m.current = s
	m.lastErr = detail
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetConnectionStatus(s.Code())
	}
}
