package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhavoronkov/openrouter-proxy/internal/secrets"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	env, err := secrets.New(filepath.Join(dir, "secret.key"), nil)
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	path := filepath.Join(dir, "settings.json")
	store, err := Open(path, env, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store, path
}

func TestOpenAppliesDefaults(t *testing.T) {
	s, path := newTestStore(t)

	if s.AuthScope() != ScopeRegular {
		t.Errorf("scope: got %q, want REGULAR", s.AuthScope())
	}
	start, end := s.ProxyPortRange()
	if start != 8080 || end != 8090 {
		t.Errorf("port range: got [%d, %d]", start, end)
	}
	if !s.ProxyAutoStart() || !s.TrackGenerations() {
		t.Error("expected auto-start and tracking enabled by default")
	}
	if s.MaxTrackedGenerations() != 100 {
		t.Errorf("max tracked: got %d", s.MaxTrackedGenerations())
	}
	if s.Configured() {
		t.Error("fresh store should not be configured")
	}

	// First open persists the defaults.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("settings document not persisted: %v", err)
	}
}

func TestAPIKeyEncryptedAtRest(t *testing.T) {
	s, path := newTestStore(t)

	const key = "sk-or-v1-super-secret"
	if err := s.SetAPIKey(key); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if got := s.APIKey(); got != key {
		t.Errorf("APIKey: got %q", got)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), key) {
		t.Error("plaintext key leaked into the settings document")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("document not valid JSON: %v", err)
	}
	stored, _ := doc["api_key"].(string)
	if !secrets.IsEncrypted(stored) {
		t.Errorf("stored api_key is not envelope ciphertext: %q", stored)
	}
}

func TestConfiguredFollowsScope(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.SetAPIKey("sk-or-v1-key"); err != nil {
		t.Fatal(err)
	}
	if !s.Configured() {
		t.Error("REGULAR scope with api key should be configured")
	}

	if err := s.SetAuthScope(ScopeExtended); err != nil {
		t.Fatal(err)
	}
	if s.Configured() {
		t.Error("EXTENDED scope without provisioning key should not be configured")
	}
	if err := s.SetProvisioningKey("sk-or-v1-prov"); err != nil {
		t.Fatal(err)
	}
	if !s.Configured() {
		t.Error("EXTENDED scope with provisioning key should be configured")
	}
}

func TestSetterValidation(t *testing.T) {
	s, _ := newTestStore(t)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"scope", func() error { return s.SetAuthScope("BOGUS") }},
		{"port low", func() error { return s.SetProxyPort(80) }},
		{"port high", func() error { return s.SetProxyPort(70000) }},
		{"range inverted", func() error { return s.SetProxyPortRange(9000, 8000) }},
		{"range privileged", func() error { return s.SetProxyPortRange(100, 8000) }},
		{"refresh interval", func() error { return s.SetRefreshInterval(0) }},
		{"tracking bound", func() error { return s.SetTracking(true, 0) }},
		{"max tokens", func() error { return s.SetDefaultMaxTokens(-1) }},
		{"blank favorite", func() error { return s.SetFavoriteModels([]string{" "}) }},
	}
	for _, tc := range cases {
		if err := tc.fn(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	// Port 0 means auto-allocate and is always allowed.
	if err := s.SetProxyPort(0); err != nil {
		t.Errorf("port 0: %v", err)
	}
}

func TestFavoriteModelsDeduplicated(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SetFavoriteModels([]string{"a/one", "b/two", "a/one"}); err != nil {
		t.Fatal(err)
	}
	got := s.FavoriteModels()
	if len(got) != 2 || got[0] != "a/one" || got[1] != "b/two" {
		t.Errorf("favorites: got %v", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env, err := secrets.New(filepath.Join(dir, "secret.key"), nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "settings.json")

	first, err := Open(path, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.SetAPIKey("sk-or-v1-persist"); err != nil {
		t.Fatal(err)
	}
	if err := first.SetProxyPortRange(9100, 9110); err != nil {
		t.Fatal(err)
	}
	if err := first.SetDefaultMaxTokens(2048); err != nil {
		t.Fatal(err)
	}

	second, err := Open(path, env, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := second.APIKey(); got != "sk-or-v1-persist" {
		t.Errorf("api key after reopen: got %q", got)
	}
	start, end := second.ProxyPortRange()
	if start != 9100 || end != 9110 {
		t.Errorf("port range after reopen: [%d, %d]", start, end)
	}
	if second.DefaultMaxTokens() != 2048 {
		t.Errorf("default max tokens after reopen: %d", second.DefaultMaxTokens())
	}
}

func TestNormalizeRepairsBadDocument(t *testing.T) {
	dir := t.TempDir()
	env, err := secrets.New(filepath.Join(dir, "secret.key"), nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "settings.json")
	doc := `{"auth_scope":"WEIRD","proxy_port_range_start":5,"proxy_port_range_end":2,"refresh_interval":-1,"max_tracked_generations":0}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, env, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.AuthScope() != ScopeRegular {
		t.Errorf("scope not repaired: %q", s.AuthScope())
	}
	start, end := s.ProxyPortRange()
	if start < MinPort || end < start {
		t.Errorf("range not repaired: [%d, %d]", start, end)
	}
	if s.RefreshInterval() <= 0 || s.MaxTrackedGenerations() <= 0 {
		t.Error("numeric fields not repaired")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	seen := map[Field]bool{}
	done := make(chan struct{}, 4)
	s.Subscribe(func(f Field) {
		mu.Lock()
		seen[f] = true
		mu.Unlock()
		done <- struct{}{}
	})

	if err := s.SetShowCosts(false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAPIKey("sk-or-v1-x"); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for change notifications")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !seen[FieldShowCosts] || !seen[FieldAPIKey] {
		t.Errorf("notifications seen: %v", seen)
	}
}

func TestLegacyPlaintextAccepted(t *testing.T) {
	dir := t.TempDir()
	env, err := secrets.New(filepath.Join(dir, "secret.key"), nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"auth_scope":"REGULAR","api_key":"sk-or-v1-legacy"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.APIKey(); got != "sk-or-v1-legacy" {
		t.Errorf("legacy plaintext: got %q", got)
	}
}
