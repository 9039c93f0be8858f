package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

func TestRequestModelPassthrough(t *testing.T) {
	for _, model := range []string{
		"openai/gpt-4o-mini",
		"anthropic/claude-3.5-sonnet",
		"some-provider/unknown-model:free",
	} {
		raw := []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`)
		out, err := Request(raw, 0)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if got := gjson.GetBytes(out, "model").String(); got != model {
			t.Errorf("model: got %q, want %q", got, model)
		}
	}
}

func TestRequestStreamFlagPassthrough(t *testing.T) {
	cases := []struct {
		body string
		want string // raw JSON of the upstream stream field, "" when absent
	}{
		{`{"model":"m","messages":[{"role":"user","content":"x"}],"stream":true}`, "true"},
		{`{"model":"m","messages":[{"role":"user","content":"x"}],"stream":false}`, "false"},
		{`{"model":"m","messages":[{"role":"user","content":"x"}]}`, ""},
	}
	for _, tc := range cases {
		out, err := Request([]byte(tc.body), 0)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		got := gjson.GetBytes(out, "stream")
		if tc.want == "" {
			if got.Exists() {
				t.Errorf("stream should be absent, got %s", got.Raw)
			}
			continue
		}
		if got.Raw != tc.want {
			t.Errorf("stream: got %s, want %s", got.Raw, tc.want)
		}
	}
}

func TestRequestDefaultMaxTokens(t *testing.T) {
	base := `{"model":"m","messages":[{"role":"user","content":"x"}]}`
	withMT := `{"model":"m","messages":[{"role":"user","content":"x"}],"max_tokens":5}`

	out, err := Request([]byte(base), 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 1024 {
		t.Errorf("injected max_tokens: got %d, want 1024", got)
	}

	out, err = Request([]byte(withMT), 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 5 {
		t.Errorf("client max_tokens overridden: got %d, want 5", got)
	}

	out, err = Request([]byte(base), 0)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "max_tokens").Exists() {
		t.Error("max_tokens should be absent when setting is 0")
	}
}

func TestRequestPreservesContentParts(t *testing.T) {
	raw := []byte(`{
		"model": "openai/gpt-4o",
		"messages": [{
			"role": "user",
			"name": "alice",
			"content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
			]
		}],
		"temperature": 0.7,
		"unknown_field": {"dropped": true}
	}`)

	out, err := Request(raw, 0)
	if err != nil {
		t.Fatal(err)
	}

	msg := gjson.GetBytes(out, "messages.0")
	if msg.Get("name").String() != "alice" {
		t.Errorf("name not preserved: %s", msg.Raw)
	}
	parts := msg.Get("content")
	if !parts.IsArray() || len(parts.Array()) != 2 {
		t.Fatalf("content parts not preserved: %s", parts.Raw)
	}
	if parts.Get("1.image_url.url").String() != "data:image/png;base64,AAAA" {
		t.Errorf("image url mangled: %s", parts.Get("1").Raw)
	}
	if got := gjson.GetBytes(out, "temperature").Float(); got != 0.7 {
		t.Errorf("temperature: got %v", got)
	}
	if gjson.GetBytes(out, "unknown_field").Exists() {
		t.Error("unknown top-level field should not be forwarded")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, ""},
		{"valid parts", `{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"x"}]}]}`, ""},
		{"bad json", `{not json`, "not valid JSON"},
		{"no model", `{"messages":[{"role":"user","content":"hi"}]}`, "'model' is required"},
		{"blank model", `{"model":"  ","messages":[{"role":"user","content":"hi"}]}`, "'model' is required"},
		{"no messages", `{"model":"m"}`, "non-empty array"},
		{"empty messages", `{"model":"m","messages":[]}`, "non-empty array"},
		{"no role", `{"model":"m","messages":[{"content":"hi"}]}`, "'role' is required"},
		{"blank content", `{"model":"m","messages":[{"role":"user","content":"  "}]}`, "must not be blank"},
		{"empty parts", `{"model":"m","messages":[{"role":"user","content":[]}]}`, "empty array"},
		{"numeric content", `{"model":"m","messages":[{"role":"user","content":7}]}`, "string or an array"},
		{"temp range", `{"model":"m","messages":[{"role":"user","content":"x"}],"temperature":2.5}`, "[0, 2]"},
		{"max tokens", `{"model":"m","messages":[{"role":"user","content":"x"}],"max_tokens":0}`, "positive integer"},
		{"top_p range", `{"model":"m","messages":[{"role":"user","content":"x"}],"top_p":1.5}`, "[0, 1]"},
	}
	for _, tc := range cases {
		err := Validate([]byte(tc.body))
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: got %v, want message containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestResponsePreservesChoicesAndUsage(t *testing.T) {
	up := openrouter.ChatResponse{
		ID:      "gen-123",
		Created: 1700000000,
		Model:   "openai/gpt-4o-mini",
		Choices: []json.RawMessage{
			json.RawMessage(`{"index":0,"message":{"role":"assistant","content":"hi","extra":"kept"},"finish_reason":"stop"}`),
		},
		Usage: json.RawMessage(`{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}`),
	}

	out, err := Response(up)
	if err != nil {
		t.Fatal(err)
	}

	if got := gjson.GetBytes(out, "object").String(); got != "chat.completion" {
		t.Errorf("object: %q", got)
	}
	if got := gjson.GetBytes(out, "model").String(); got != "openai/gpt-4o-mini" {
		t.Errorf("model remapped: %q", got)
	}
	if got := gjson.GetBytes(out, "choices.0.message.extra").String(); got != "kept" {
		t.Error("provider-specific choice field dropped")
	}
	if got := gjson.GetBytes(out, "usage.total_tokens").Int(); got != 4 {
		t.Errorf("usage: %d", got)
	}
}

func TestModelsList(t *testing.T) {
	models := []openrouter.ModelInfo{
		{ID: "openai/gpt-4o", Name: "GPT-4o", Created: 1700000000},
		{ID: "standalone"},
	}
	out, err := ModelsList(models)
	if err != nil {
		t.Fatal(err)
	}

	if got := gjson.GetBytes(out, "object").String(); got != "list" {
		t.Errorf("object: %q", got)
	}
	if got := gjson.GetBytes(out, "data.0.owned_by").String(); got != "openai" {
		t.Errorf("owned_by: %q", got)
	}
	if got := gjson.GetBytes(out, "data.1.owned_by").String(); got != "openrouter" {
		t.Errorf("fallback owner: %q", got)
	}
	if got := gjson.GetBytes(out, "data.0.object").String(); got != "model" {
		t.Errorf("entry object: %q", got)
	}
	if !gjson.GetBytes(out, "data.0.permission").IsArray() {
		t.Error("permission array missing")
	}
}

func TestEnginesList(t *testing.T) {
	out, err := EnginesList([]openrouter.ModelInfo{{ID: "openai/gpt-4o"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(out, "data.0.object").String(); got != "engine" {
		t.Errorf("engine object: %q", got)
	}
	if !gjson.GetBytes(out, "data.0.ready").Bool() {
		t.Error("engine not marked ready")
	}
}

func TestIsStreamingAndModel(t *testing.T) {
	raw := []byte(`{"model":"openai/gpt-4o","stream":true}`)
	if !IsStreaming(raw) || Model(raw) != "openai/gpt-4o" {
		t.Errorf("accessors: stream=%v model=%q", IsStreaming(raw), Model(raw))
	}
	if IsStreaming([]byte(`{"model":"m"}`)) {
		t.Error("absent stream should read false")
	}
}
