package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
)

const (
	listenHost      = "127.0.0.1"
	readTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Status describes the listener state.
type Status struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	URL     string `json:"url,omitempty"`
}

// Server owns the HTTP listener lifecycle: port negotiation, bring-up, and
// graceful teardown. Start, Stop, Restart, and ForceStart are idempotent and
// safe for concurrent use.
type Server struct {
	handler fasthttp.RequestHandler
	store   *settings.Store
	log     *slog.Logger

	mu      sync.Mutex
	srv     *fasthttp.Server
	port    int
	running bool
}

// NewServer creates a Server around the gateway's handler.
func NewServer(gw *Gateway, store *settings.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		handler: gw.Handler(),
		store:   store,
		log:     log,
	}
}

// Status returns the current listener state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() Status {
	st := Status{Running: s.running, Port: s.port}
	if s.running {
		st.URL = fmt.Sprintf("http://%s:%d", listenHost, s.port)
	}
	return st
}

// Start binds a port and begins serving. A no-op when already running.
// Fails when the proxy is not configured; use ForceStart to bypass.
func (s *Server) Start() (Status, error) {
	if !s.store.Configured() {
		return Status{}, fmt.Errorf("proxy: not configured; set an API key or provisioning key first")
	}
	return s.start()
}

// ForceStart starts the listener regardless of configured state. Requests
// needing a credential still fail with 401 until one is configured.
func (s *Server) ForceStart() (Status, error) {
	return s.start()
}

func (s *Server) start() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.statusLocked(), nil
	}

	ln, port, err := s.bind()
	if err != nil {
		return Status{}, err
	}

	srv := &fasthttp.Server{
		Handler:     s.handler,
		Name:        ServiceName,
		ReadTimeout: readTimeout,
		// No write timeout: SSE relays outlive any fixed budget.
		CloseOnShutdown: true,
	}

	s.srv = srv
	s.port = port
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil {
			s.log.Error("serve stopped", slog.String("error", err.Error()))
		}
	}()

	s.log.Info("proxy listening",
		slog.Int("port", port),
		slog.String("url", fmt.Sprintf("http://%s:%d", listenHost, port)),
	)
	return s.statusLocked(), nil
}

// bind attempts the fixed port when configured, otherwise scans the
// configured range ascending and takes the first free port.
func (s *Server) bind() (net.Listener, int, error) {
	if port := s.store.ProxyPort(); port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", listenHost, port))
		if err != nil {
			return nil, 0, fmt.Errorf("proxy: bind configured port %d: %w", port, err)
		}
		return ln, port, nil
	}

	start, end := s.store.ProxyPortRange()
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", listenHost, port))
		if err == nil {
			return ln, port, nil
		}
		s.log.Debug("port busy, trying next", slog.Int("port", port))
	}
	return nil, 0, fmt.Errorf("proxy: no free port in range [%d, %d]", start, end)
}

// Stop gracefully shuts the listener down, waiting up to shutdownTimeout for
// in-flight requests (including streams) before hard-closing. A no-op when
// not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.running = false
	s.port = 0
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.ShutdownWithContext(ctx); err != nil {
		s.log.Warn("graceful shutdown expired, connections closed", slog.String("error", err.Error()))
		return err
	}
	s.log.Info("proxy stopped")
	return nil
}

// Restart stops the listener (when running) and starts it again, picking up
// any port settings changed in between.
func (s *Server) Restart() (Status, error) {
	if err := s.Stop(); err != nil {
		s.log.Warn("restart: stop reported error", slog.String("error", err.Error()))
	}
	return s.Start()
}
