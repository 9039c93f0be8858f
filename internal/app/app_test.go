package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhavoronkov/openrouter-proxy/internal/keymgr"
)

const (
	testProvisioningKey = "sk-or-pv-startup"
	testManagedKey      = "sk-or-v1-managed-fresh"
)

// startKeyServer mocks the provisioning and probe surface the app touches
// during startup: list, create, and validate.
func startKeyServer(t *testing.T, creates *atomic.Int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"data":[]}`)
		case http.MethodPost:
			creates.Add(1)
			fmt.Fprintf(w, `{"key":%q,"data":{"hash":"h-1","name":%q}}`,
				testManagedKey, keymgr.ManagedKeyName)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer sk-or-v1-") {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"unauthorized"}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"label":"managed","usage":0}}`)
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[]}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Extended-scope startup creates the managed key mid-init, which fires a
// settings change notification. Wiring must tolerate that: no subscriber may
// observe a half-constructed app.
func TestNewExtendedScopeStartup(t *testing.T) {
	var creates atomic.Int64
	srv := startKeyServer(t, &creates)

	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_PROVISIONING_KEY", testProvisioningKey)

	dir := t.TempDir()
	a, err := New(context.Background(), testLogger(), Options{
		SettingsPath: filepath.Join(dir, "settings.json"),
		KeyPath:      filepath.Join(dir, "secret.key"),
		BaseURL:      srv.URL,
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if got := a.Settings().APIKey(); got != testManagedKey {
		t.Errorf("persisted runtime key: %q, want %q", got, testManagedKey)
	}
	if n := creates.Load(); n != 1 {
		t.Errorf("key creations during startup: %d, want 1", n)
	}

	// A credential change after startup fans out to the catalog and the
	// monitor on notification goroutines; it must coexist with the wiring
	// above and with Close below.
	if err := a.Settings().SetAPIKey("sk-or-v1-rotated"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestNewRequiresCredentialsWithoutForce(t *testing.T) {
	var creates atomic.Int64
	srv := startKeyServer(t, &creates)

	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_PROVISIONING_KEY", "")

	dir := t.TempDir()
	_, err := New(context.Background(), testLogger(), Options{
		SettingsPath: filepath.Join(dir, "settings.json"),
		KeyPath:      filepath.Join(dir, "secret.key"),
		BaseURL:      srv.URL,
	})
	if err == nil {
		t.Fatal("expected startup to fail without credentials")
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Errorf("error: %v", err)
	}
	if n := creates.Load(); n != 0 {
		t.Errorf("unexpected key creations: %d", n)
	}
}
