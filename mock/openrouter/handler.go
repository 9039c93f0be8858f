package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// fakeWords is a pool of words used to build mock completions.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "OpenRouter", "for", "testing",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "code": status},
	})
}

// keyStore simulates the provisioning-key-backed key registry.
type keyStore struct {
	mu   sync.Mutex
	keys map[string]keyRecord // hash → record
}

type keyRecord struct {
	Hash     string   `json:"hash"`
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Disabled bool     `json:"disabled"`
	Limit    *float64 `json:"limit,omitempty"`
	Usage    float64  `json:"usage"`
}

func (s *keyStore) create(name string, limit *float64) (keyRecord, string) {
	raw := fmt.Sprintf("sk-or-v1-mock-%x", rand.Int64())
	sum := sha256.Sum256([]byte(raw))
	rec := keyRecord{
		Hash:  hex.EncodeToString(sum[:]),
		Name:  name,
		Label: name,
		Limit: limit,
	}
	s.mu.Lock()
	s.keys[rec.Hash] = rec
	s.mu.Unlock()
	return rec, raw
}

func (s *keyStore) list() []keyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keyRecord, 0, len(s.keys))
	for _, r := range s.keys {
		out = append(out, r)
	}
	return out
}

func (s *keyStore) delete(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[hash]; !ok {
		return false
	}
	delete(s.keys, hash)
	return true
}

// newHandler returns the mock OpenRouter API surface.
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	keys := &keyStore{keys: map[string]keyRecord{}}

	mux.HandleFunc("/api/v1/key", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if bearerToken(r) == "" {
			writeError(w, http.StatusUnauthorized, "No auth credentials found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"label":        "mock key",
				"usage":        0.42,
				"limit":        nil,
				"is_free_tier": false,
			},
		})
	})

	mux.HandleFunc("/api/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if bearerToken(r) == "" {
			writeError(w, http.StatusUnauthorized, "No auth credentials found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"data": keys.list()})
		case http.MethodPost:
			var req struct {
				Name  string   `json:"name"`
				Limit *float64 `json:"limit"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			rec, raw := keys.create(req.Name, req.Limit)
			writeJSON(w, http.StatusOK, map[string]any{"data": rec, "key": raw})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		hash := strings.TrimPrefix(r.URL.Path, "/api/v1/keys/")
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"deleted": keys.delete(hash)},
		})
	})

	mux.HandleFunc("/api/v1/credits", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"total_credits": 25.0, "total_usage": 3.17},
		})
	})

	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{"data": mockModels()})
	})

	mux.HandleFunc("/api/v1/providers", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"name": "OpenAI", "slug": "openai"},
				{"name": "Anthropic", "slug": "anthropic"},
				{"name": "Google AI Studio", "slug": "google-ai-studio"},
			},
		})
	})

	mux.HandleFunc("/api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{
					"date": time.Now().UTC().Format("2006-01-02"), "model": "openai/gpt-4o-mini",
					"usage": 0.05, "requests": 12, "prompt_tokens": 3400, "completion_tokens": 900,
				},
			},
		})
	})

	mux.HandleFunc("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if bearerToken(r) == "" {
			writeError(w, http.StatusUnauthorized, "No auth credentials found")
			return
		}
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		model := req.Model
		if model == "" {
			model = "openai/gpt-4o-mini"
		}

		id := fmt.Sprintf("gen-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func mockModels() []map[string]any {
	return []map[string]any{
		{
			"id": "openai/gpt-4o", "name": "OpenAI: GPT-4o", "context_length": 128000,
			"architecture": map[string]any{
				"input_modalities":  []string{"text", "image"},
				"output_modalities": []string{"text"},
			},
			"pricing": map[string]string{"prompt": "0.0000025", "completion": "0.00001"},
		},
		{
			"id": "openai/gpt-4o-mini", "name": "OpenAI: GPT-4o-mini", "context_length": 128000,
			"architecture": map[string]any{
				"input_modalities":  []string{"text", "image"},
				"output_modalities": []string{"text"},
			},
			"pricing": map[string]string{"prompt": "0.00000015", "completion": "0.0000006"},
		},
		{
			"id": "meta-llama/llama-3.3-70b-instruct", "name": "Meta: Llama 3.3 70B Instruct", "context_length": 131072,
			"architecture": map[string]any{
				"input_modalities":  []string{"text"},
				"output_modalities": []string{"text"},
			},
			"pricing": map[string]string{"prompt": "0.00000012", "completion": "0.0000003"},
		},
	}
}

// serveStream writes an SSE stream of chat completion chunks.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for _, word := range strings.Fields(content) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{"content": word + " "}, "finish_reason": nil},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	final := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]string{}, "finish_reason": "stop"},
		},
	}
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
