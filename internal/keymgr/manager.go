// Package keymgr manages the proxy's runtime API key via the provisioning
// key.
//
// The manager owns exactly one "managed" key on the OpenRouter account,
// identified by a well-known name. The raw key material is only returned at
// creation time, so the manager persists the plaintext (encrypted at rest by
// the settings store) the moment it is issued.
//
// All lifecycle transitions — Ensure, Regenerate, Revoke — are serialized by
// a manager-wide mutex: concurrent callers observe a single effective
// transition, and N concurrent Ensure calls produce at most one upstream
// key creation.
package keymgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
)

// ManagedKeyName labels the key this proxy owns on the account.
const ManagedKeyName = "OpenRouter IDE Proxy Key"

// State is the managed key's lifecycle state as last observed.
type State string

const (
	StateAbsent State = "absent"
	StateActive State = "active"
	StateStale  State = "stale"
)

// Client is the upstream surface the manager needs; satisfied by
// *openrouter.Client.
type Client interface {
	GetKeyInfo(ctx context.Context, apiKey string) openrouter.Result[openrouter.KeyInfo]
	ListKeys(ctx context.Context, provisioningKey string) openrouter.Result[[]openrouter.APIKeyRecord]
	CreateKey(ctx context.Context, provisioningKey, name string, limit *float64) openrouter.Result[openrouter.CreatedKey]
	DeleteKey(ctx context.Context, provisioningKey, hash string) openrouter.Result[bool]
}

// Manager drives the managed-key state machine.
type Manager struct {
	client Client
	store  *settings.Store
	log    *slog.Logger

	mu    sync.Mutex
	state State
	hash  string // record hash of the managed key, when known
}

// New creates a Manager.
func New(client Client, store *settings.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client: client,
		store:  store,
		log:    log,
		state:  StateAbsent,
	}
}

// State returns the last observed lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Key returns the runtime API key the proxy should attach to upstream
// requests, or "" when none is available.
func (m *Manager) Key() string {
	return m.store.APIKey()
}

// EnsureStartup validates (and when needed repairs) the runtime key before
// the proxy accepts its first request. In REGULAR scope the user-provided key
// is used as-is; in EXTENDED scope the managed key is created or regenerated
// via the provisioning key.
func (m *Manager) EnsureStartup(ctx context.Context) error {
	if m.store.AuthScope() != settings.ScopeExtended {
		if m.store.APIKey() == "" {
			return fmt.Errorf("keymgr: no API key configured")
		}
		m.setState(StateActive, "")
		return nil
	}

	if res := m.Ensure(ctx); !res.OK() {
		return fmt.Errorf("keymgr: ensure: %s", res.Err.Message)
	}

	res := m.Validate(ctx)
	if res.OK() {
		return nil
	}
	if !res.Unauthorized() {
		return fmt.Errorf("keymgr: validate: %s", res.Err.Message)
	}

	// The persisted key is stale (deleted or disabled upstream): regenerate
	// before serving traffic. This is the only place the proxy retries.
	m.log.Warn("runtime key rejected at startup, regenerating")
	if res := m.Regenerate(ctx); !res.OK() {
		return fmt.Errorf("keymgr: regenerate: %s", res.Err.Message)
	}
	return nil
}

// Ensure makes a managed key exist: adopt an existing record when the
// persisted plaintext is still present, otherwise create a fresh key. The
// raw key of an adopted record is not re-retrievable, so a record without a
// matching persisted plaintext forces recreation.
func (m *Manager) Ensure(ctx context.Context) openrouter.Result[openrouter.APIKeyRecord] {
	m.mu.Lock()
	defer m.mu.Unlock()

	provKey := m.store.ProvisioningKey()
	if provKey == "" {
		return fail[openrouter.APIKeyRecord]("no provisioning key configured", 0)
	}

	listRes := m.client.ListKeys(ctx, provKey)
	if !listRes.OK() {
		return openrouter.Result[openrouter.APIKeyRecord]{StatusCode: listRes.StatusCode, Err: listRes.Err}
	}

	existing := findManaged(listRes.Data)
	persisted := m.store.APIKey()

	if existing != nil && persisted != "" {
		m.hash = existing.Hash
		m.state = StateActive
		m.log.Debug("adopted managed key", slog.String("hash", existing.Hash))
		return openrouter.Result[openrouter.APIKeyRecord]{Data: *existing, StatusCode: listRes.StatusCode}
	}

	if existing != nil {
		// Record exists but its plaintext is gone: the raw key cannot be
		// recovered, so delete and recreate.
		m.log.Warn("managed key record found without persisted plaintext, recreating",
			slog.String("hash", existing.Hash))
		m.client.DeleteKey(ctx, provKey, existing.Hash)
	}

	return m.createLocked(ctx, provKey)
}

// Validate probes the persisted runtime key against GET /key.
func (m *Manager) Validate(ctx context.Context) openrouter.Result[openrouter.KeyInfo] {
	key := m.store.APIKey()
	if key == "" {
		return fail[openrouter.KeyInfo]("no runtime key persisted", 0)
	}

	res := m.client.GetKeyInfo(ctx, key)
	switch {
	case res.OK():
		m.setState(StateActive, "")
	case res.Unauthorized():
		m.setState(StateStale, "")
	}
	return res
}

// Regenerate replaces a stale managed key: best-effort delete of the old
// record, create a new one, persist the new plaintext.
func (m *Manager) Regenerate(ctx context.Context) openrouter.Result[openrouter.APIKeyRecord] {
	m.mu.Lock()
	defer m.mu.Unlock()

	provKey := m.store.ProvisioningKey()
	if provKey == "" {
		return fail[openrouter.APIKeyRecord]("no provisioning key configured", 0)
	}

	if m.hash == "" {
		// Hash unknown (fresh process): look the record up first.
		if listRes := m.client.ListKeys(ctx, provKey); listRes.OK() {
			if rec := findManaged(listRes.Data); rec != nil {
				m.hash = rec.Hash
			}
		}
	}
	if m.hash != "" {
		if del := m.client.DeleteKey(ctx, provKey, m.hash); !del.OK() {
			m.log.Warn("stale key delete failed, continuing",
				slog.String("hash", m.hash),
				slog.String("error", del.Err.Message),
			)
		}
		m.hash = ""
	}

	return m.createLocked(ctx, provKey)
}

// Revoke deletes the managed key upstream and clears the persisted plaintext.
func (m *Manager) Revoke(ctx context.Context) openrouter.Result[bool] {
	m.mu.Lock()
	defer m.mu.Unlock()

	provKey := m.store.ProvisioningKey()
	if provKey == "" {
		return fail[bool]("no provisioning key configured", 0)
	}

	hash := m.hash
	if hash == "" {
		if listRes := m.client.ListKeys(ctx, provKey); listRes.OK() {
			if rec := findManaged(listRes.Data); rec != nil {
				hash = rec.Hash
			}
		}
	}

	deleted := false
	if hash != "" {
		res := m.client.DeleteKey(ctx, provKey, hash)
		if !res.OK() {
			return res
		}
		deleted = res.Data
	}

	if err := m.store.SetAPIKey(""); err != nil {
		return fail[bool](fmt.Sprintf("clear persisted key: %v", err), 0)
	}
	m.hash = ""
	m.state = StateAbsent
	m.log.Info("managed key revoked")
	return openrouter.Result[bool]{Data: deleted, StatusCode: 200}
}

// createLocked creates the managed key and persists its plaintext.
// Caller holds m.mu.
func (m *Manager) createLocked(ctx context.Context, provKey string) openrouter.Result[openrouter.APIKeyRecord] {
	res := m.client.CreateKey(ctx, provKey, ManagedKeyName, nil)
	if !res.OK() {
		m.state = StateAbsent
		return openrouter.Result[openrouter.APIKeyRecord]{StatusCode: res.StatusCode, Err: res.Err}
	}

	if err := m.store.SetAPIKey(res.Data.Key); err != nil {
		// Key exists upstream but we could not persist it; roll back so the
		// account does not accumulate orphans.
		m.client.DeleteKey(ctx, provKey, res.Data.Record.Hash)
		m.state = StateAbsent
		return fail[openrouter.APIKeyRecord](fmt.Sprintf("persist key: %v", err), 0)
	}

	m.hash = res.Data.Record.Hash
	m.state = StateActive
	m.log.Info("managed key created", slog.String("hash", m.hash))
	return openrouter.Result[openrouter.APIKeyRecord]{Data: res.Data.Record, StatusCode: res.StatusCode}
}

func (m *Manager) setState(s State, hash string) {
	m.mu.Lock()
	m.state = s
	if hash != "" {
		m.hash = hash
	}
	m.mu.Unlock()
}

func findManaged(records []openrouter.APIKeyRecord) *openrouter.APIKeyRecord {
	for i := range records {
		if records[i].Name == ManagedKeyName && !records[i].Disabled {
			return &records[i]
		}
	}
	return nil
}

func fail[T any](msg string, status int) openrouter.Result[T] {
	return openrouter.Result[T]{
		StatusCode: status,
		Err:        &openrouter.Error{Message: msg, StatusCode: status},
	}
}
