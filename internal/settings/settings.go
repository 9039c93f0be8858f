// Package settings is the persistent configuration store for the proxy.
//
// Configuration lives in a single JSON document on disk. Environment
// variables (loaded from .env when present) override the document on load —
// the same precedence the gateway config loader uses. Every typed setter
// validates its input, persists write-through, and fans a change event out to
// subscribers before returning.
//
// Secret fields (the runtime API key and the provisioning key) pass through
// the secrets envelope before persistence; plaintext is never written. Legacy
// plaintext values are accepted on read for one migration cycle and
// re-encrypted on the next save.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/zhavoronkov/openrouter-proxy/internal/secrets"
)

// AuthScope selects how the proxy is credentialed.
type AuthScope string

const (
	// ScopeRegular uses a user-provided runtime API key only.
	ScopeRegular AuthScope = "REGULAR"
	// ScopeExtended uses a provisioning key that issues runtime API keys.
	ScopeExtended AuthScope = "EXTENDED"
)

// Field identifies which setting changed in a change event.
type Field string

const (
	FieldAuthScope       Field = "auth_scope"
	FieldAPIKey          Field = "api_key"
	FieldProvisioningKey Field = "provisioning_key"
	FieldFavoriteModels  Field = "favorite_models"
	FieldProxyPort       Field = "proxy_port"
	FieldProxyPortRange  Field = "proxy_port_range"
	FieldProxyAutoStart  Field = "proxy_auto_start"
	FieldAutoRefresh     Field = "auto_refresh"
	FieldRefreshInterval Field = "refresh_interval"
	FieldShowCosts       Field = "show_costs"
	FieldTracking        Field = "tracking"
	FieldDefaultMaxTok   Field = "default_max_tokens"
	FieldOnboarding      Field = "onboarding"
)

// Port range bounds. Ports below 1024 need elevated privileges.
const (
	MinPort = 1024
	MaxPort = 65535
)

// document is the serialized settings shape. Secret fields hold envelope
// ciphertext.
type document struct {
	AuthScope       AuthScope `json:"auth_scope"`
	APIKey          string    `json:"api_key,omitempty"`
	ProvisioningKey string    `json:"provisioning_key,omitempty"`

	FavoriteModels []string `json:"favorite_models,omitempty"`

	ProxyPort           int  `json:"proxy_port"`
	ProxyPortRangeStart int  `json:"proxy_port_range_start"`
	ProxyPortRangeEnd   int  `json:"proxy_port_range_end"`
	ProxyAutoStart      bool `json:"proxy_auto_start"`

	AutoRefresh     bool `json:"auto_refresh"`
	RefreshInterval int  `json:"refresh_interval"`

	ShowCosts             bool `json:"show_costs"`
	TrackGenerations      bool `json:"track_generations"`
	MaxTrackedGenerations int  `json:"max_tracked_generations"`
	DefaultMaxTokens      int  `json:"default_max_tokens"`

	HasSeenWelcome    bool   `json:"has_seen_welcome"`
	HasCompletedSetup bool   `json:"has_completed_setup"`
	LastSeenVersion   string `json:"last_seen_version,omitempty"`
}

// Store is the process-wide settings singleton. All methods are safe for
// concurrent use; writes are serialized and reads observe either the pre- or
// post-write state, never a partial one.
type Store struct {
	mu   sync.RWMutex
	doc  document
	path string

	env *secrets.Envelope
	log *slog.Logger

	subMu sync.Mutex
	subs  []func(Field)
}

// Open loads (or initializes) the settings document at path. Environment
// variables override credential fields on load; overridden credentials are
// persisted encrypted so subsequent runs work without the env vars.
func Open(path string, env *secrets.Envelope, log *slog.Logger) (*Store, error) {
	if env == nil {
		return nil, fmt.Errorf("settings: secrets envelope must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	s := &Store{path: path, env: env, log: log, doc: defaults()}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, fmt.Errorf("settings: parse %s: %w", path, err)
		}
		s.normalize()
	case errors.Is(err, os.ErrNotExist):
		// First run: the defaults stand and are persisted below.
	default:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	s.applyEnvOverrides()

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaults() document {
	return document{
		AuthScope:             ScopeRegular,
		ProxyPort:             0,
		ProxyPortRangeStart:   8080,
		ProxyPortRangeEnd:     8090,
		ProxyAutoStart:        true,
		AutoRefresh:           true,
		RefreshInterval:       300,
		ShowCosts:             true,
		TrackGenerations:      true,
		MaxTrackedGenerations: 100,
	}
}

// normalize repairs out-of-range values from hand-edited documents instead of
// refusing to start.
func (s *Store) normalize() {
	d := defaults()
	if s.doc.AuthScope != ScopeRegular && s.doc.AuthScope != ScopeExtended {
		s.doc.AuthScope = ScopeRegular
	}
	if s.doc.ProxyPortRangeStart < MinPort || s.doc.ProxyPortRangeStart > MaxPort {
		s.doc.ProxyPortRangeStart = d.ProxyPortRangeStart
	}
	if s.doc.ProxyPortRangeEnd < s.doc.ProxyPortRangeStart || s.doc.ProxyPortRangeEnd > MaxPort {
		s.doc.ProxyPortRangeEnd = d.ProxyPortRangeEnd
		if s.doc.ProxyPortRangeEnd < s.doc.ProxyPortRangeStart {
			s.doc.ProxyPortRangeEnd = s.doc.ProxyPortRangeStart
		}
	}
	if s.doc.RefreshInterval <= 0 {
		s.doc.RefreshInterval = d.RefreshInterval
	}
	if s.doc.MaxTrackedGenerations <= 0 {
		s.doc.MaxTrackedGenerations = d.MaxTrackedGenerations
	}
	if s.doc.DefaultMaxTokens < 0 {
		s.doc.DefaultMaxTokens = 0
	}

	kept := s.doc.FavoriteModels[:0]
	seen := map[string]bool{}
	for _, m := range s.doc.FavoriteModels {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		kept = append(kept, m)
	}
	s.doc.FavoriteModels = kept
}

// applyEnvOverrides maps OPENROUTER_* env vars onto credential fields.
func (s *Store) applyEnvOverrides() {
	v := viper.New()
	v.AutomaticEnv()

	if key := v.GetString("OPENROUTER_API_KEY"); key != "" {
		s.doc.APIKey = s.env.Encrypt(key)
	}
	if key := v.GetString("OPENROUTER_PROVISIONING_KEY"); key != "" {
		s.doc.ProvisioningKey = s.env.Encrypt(key)
		s.doc.AuthScope = ScopeExtended
	}
}

// ── Change notification ───────────────────────────────────────────────────────

// Subscribe registers a change listener. Listeners run on their own
// goroutine per event; no ordering or re-entrancy guarantees are made.
func (s *Store) Subscribe(fn func(Field)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(f Field) {
	s.subMu.Lock()
	subs := make([]func(Field), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, fn := range subs {
		go fn(f)
	}
}

// ── Getters ───────────────────────────────────────────────────────────────────

func (s *Store) AuthScope() AuthScope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AuthScope
}

// APIKey returns the decrypted runtime API key, or "" when unset or corrupt.
// A legacy plaintext value is returned as-is and re-encrypted lazily on the
// next SetAPIKey call.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptField(s.doc.APIKey)
}

// ProvisioningKey returns the decrypted provisioning key, or "".
func (s *Store) ProvisioningKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptField(s.doc.ProvisioningKey)
}

func (s *Store) decryptField(stored string) string {
	if stored == "" {
		return ""
	}
	if secrets.IsEncrypted(stored) {
		return s.env.Decrypt(stored)
	}
	// Legacy plaintext entry from a pre-envelope settings document.
	s.log.Warn("settings: accepting legacy plaintext credential; it will be encrypted on next save")
	return stored
}

func (s *Store) FavoriteModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.doc.FavoriteModels))
	copy(out, s.doc.FavoriteModels)
	return out
}

func (s *Store) ProxyPort() int            { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.ProxyPort }
func (s *Store) ProxyPortRange() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ProxyPortRangeStart, s.doc.ProxyPortRangeEnd
}
func (s *Store) ProxyAutoStart() bool   { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.ProxyAutoStart }
func (s *Store) AutoRefresh() bool      { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.AutoRefresh }
func (s *Store) RefreshInterval() int   { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.RefreshInterval }
func (s *Store) ShowCosts() bool        { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.ShowCosts }
func (s *Store) TrackGenerations() bool { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.TrackGenerations }
func (s *Store) MaxTrackedGenerations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.MaxTrackedGenerations
}
func (s *Store) DefaultMaxTokens() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.DefaultMaxTokens }
func (s *Store) HasSeenWelcome() bool  { s.mu.RLock(); defer s.mu.RUnlock(); return s.doc.HasSeenWelcome }
func (s *Store) HasCompletedSetup() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.HasCompletedSetup
}
func (s *Store) LastSeenVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastSeenVersion
}

// Configured reports whether the store holds enough credentials for the
// active scope to serve requests.
func (s *Store) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.doc.AuthScope {
	case ScopeExtended:
		return s.decryptField(s.doc.ProvisioningKey) != ""
	default:
		return s.decryptField(s.doc.APIKey) != ""
	}
}

// ── Setters ───────────────────────────────────────────────────────────────────

// SetAuthScope switches the credential scope.
func (s *Store) SetAuthScope(scope AuthScope) error {
	if scope != ScopeRegular && scope != ScopeExtended {
		return fmt.Errorf("settings: invalid auth scope %q", scope)
	}
	return s.update(FieldAuthScope, func(d *document) { d.AuthScope = scope })
}

// SetAPIKey stores the runtime API key. Empty clears the field.
func (s *Store) SetAPIKey(plaintext string) error {
	return s.update(FieldAPIKey, func(d *document) {
		if plaintext == "" {
			d.APIKey = ""
			return
		}
		d.APIKey = s.env.Encrypt(plaintext)
	})
}

// SetProvisioningKey stores the provisioning key. Empty clears the field.
func (s *Store) SetProvisioningKey(plaintext string) error {
	return s.update(FieldProvisioningKey, func(d *document) {
		if plaintext == "" {
			d.ProvisioningKey = ""
			return
		}
		d.ProvisioningKey = s.env.Encrypt(plaintext)
	})
}

// SetFavoriteModels replaces the favorites list. Order is preserved; blank
// entries are rejected, duplicates collapse to their first occurrence.
func (s *Store) SetFavoriteModels(models []string) error {
	cleaned := make([]string, 0, len(models))
	seen := map[string]bool{}
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			return fmt.Errorf("settings: favorite model id must not be blank")
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		cleaned = append(cleaned, m)
	}
	return s.update(FieldFavoriteModels, func(d *document) { d.FavoriteModels = cleaned })
}

// SetProxyPort sets a fixed listen port; 0 means auto-allocate from the range.
func (s *Store) SetProxyPort(port int) error {
	if port != 0 && (port < MinPort || port > MaxPort) {
		return fmt.Errorf("settings: proxy port %d outside [%d, %d]", port, MinPort, MaxPort)
	}
	return s.update(FieldProxyPort, func(d *document) { d.ProxyPort = port })
}

// SetProxyPortRange sets the inclusive auto-allocation range.
func (s *Store) SetProxyPortRange(start, end int) error {
	if start < MinPort || start > MaxPort || end < MinPort || end > MaxPort {
		return fmt.Errorf("settings: port range endpoints must be within [%d, %d]", MinPort, MaxPort)
	}
	if start > end {
		return fmt.Errorf("settings: port range start %d exceeds end %d", start, end)
	}
	return s.update(FieldProxyPortRange, func(d *document) {
		d.ProxyPortRangeStart = start
		d.ProxyPortRangeEnd = end
	})
}

func (s *Store) SetProxyAutoStart(on bool) error {
	return s.update(FieldProxyAutoStart, func(d *document) { d.ProxyAutoStart = on })
}

func (s *Store) SetAutoRefresh(on bool) error {
	return s.update(FieldAutoRefresh, func(d *document) { d.AutoRefresh = on })
}

// SetRefreshInterval sets the auto-refresh period in seconds.
func (s *Store) SetRefreshInterval(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("settings: refresh interval must be positive, got %d", seconds)
	}
	return s.update(FieldRefreshInterval, func(d *document) { d.RefreshInterval = seconds })
}

func (s *Store) SetShowCosts(on bool) error {
	return s.update(FieldShowCosts, func(d *document) { d.ShowCosts = on })
}

// SetTracking configures generation tracking and its retention bound.
func (s *Store) SetTracking(on bool, maxTracked int) error {
	if maxTracked <= 0 {
		return fmt.Errorf("settings: max tracked generations must be positive, got %d", maxTracked)
	}
	return s.update(FieldTracking, func(d *document) {
		d.TrackGenerations = on
		d.MaxTrackedGenerations = maxTracked
	})
}

// SetDefaultMaxTokens sets the max_tokens injected into requests that omit
// it. 0 disables injection.
func (s *Store) SetDefaultMaxTokens(n int) error {
	if n < 0 {
		return fmt.Errorf("settings: default max tokens must be >= 0, got %d", n)
	}
	return s.update(FieldDefaultMaxTok, func(d *document) { d.DefaultMaxTokens = n })
}

// SetOnboarding records welcome/setup progress and the last seen version.
func (s *Store) SetOnboarding(seenWelcome, completedSetup bool, version string) error {
	return s.update(FieldOnboarding, func(d *document) {
		d.HasSeenWelcome = seenWelcome
		d.HasCompletedSetup = completedSetup
		if version != "" {
			d.LastSeenVersion = version
		}
	})
}

// ── Persistence ───────────────────────────────────────────────────────────────

// update applies a mutation, persists write-through, and notifies subscribers.
// The mutation is not observable until persistence succeeds.
func (s *Store) update(f Field, mutate func(*document)) error {
	s.mu.Lock()
	prev := s.doc
	mutate(&s.doc)
	if err := s.persistLocked(); err != nil {
		s.doc = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(f)
	return nil
}

// persistLocked writes the document atomically (temp file + rename).
// Caller holds s.mu.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("settings: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("settings: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("settings: failed to load %s: %w", path, err)
	}
	return nil
}

// DefaultPath returns the standard settings document location under the
// user's config directory.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "openrouter-proxy", "settings.json")
}

// DefaultKeyPath returns the standard location of the envelope key file.
func DefaultKeyPath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "secret.key")
}
