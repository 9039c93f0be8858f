// Package translate converts between the OpenAI request/response dialect the
// client speaks and the OpenRouter dialect sent upstream.
//
// Translation works on raw JSON with path accessors rather than typed
// structs: the model string and message content must survive verbatim
// (including content-part arrays and fields this proxy does not understand),
// and a struct round-trip would silently drop or reorder them.
package translate

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Sampling parameters copied from the client request when present. The
// stream flag is propagated exactly as received, never forced.
var passthroughFields = []string{
	"temperature",
	"max_tokens",
	"top_p",
	"frequency_penalty",
	"presence_penalty",
	"stop",
	"stream",
}

// Request builds the upstream OpenRouter request body from a validated
// OpenAI request body. The model id passes through verbatim — no remapping
// in either direction. defaultMaxTokens is injected only when the client
// omitted max_tokens and the setting is positive.
func Request(raw []byte, defaultMaxTokens int) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	out, err = sjson.SetRawBytes(out, "model", []byte(gjson.GetBytes(raw, "model").Raw))
	if err != nil {
		return nil, fmt.Errorf("translate: model: %w", err)
	}

	out, err = copyMessages(raw, out)
	if err != nil {
		return nil, err
	}

	for _, field := range passthroughFields {
		v := gjson.GetBytes(raw, field)
		if !v.Exists() {
			continue
		}
		out, err = sjson.SetRawBytes(out, field, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("translate: %s: %w", field, err)
		}
	}

	if defaultMaxTokens > 0 && !gjson.GetBytes(raw, "max_tokens").Exists() {
		out, err = sjson.SetBytes(out, "max_tokens", defaultMaxTokens)
		if err != nil {
			return nil, fmt.Errorf("translate: default max_tokens: %w", err)
		}
	}

	return out, nil
}

// copyMessages rebuilds the messages array keeping role, content, and the
// optional name of each message. Content is copied raw so both string and
// content-part array forms survive untouched.
func copyMessages(raw, out []byte) ([]byte, error) {
	var err error
	out, err = sjson.SetRawBytes(out, "messages", []byte(`[]`))
	if err != nil {
		return nil, fmt.Errorf("translate: messages: %w", err)
	}

	idx := 0
	for _, msg := range gjson.GetBytes(raw, "messages").Array() {
		entry := []byte(`{}`)
		entry, err = sjson.SetRawBytes(entry, "role", []byte(msg.Get("role").Raw))
		if err != nil {
			return nil, fmt.Errorf("translate: message role: %w", err)
		}
		entry, err = sjson.SetRawBytes(entry, "content", []byte(msg.Get("content").Raw))
		if err != nil {
			return nil, fmt.Errorf("translate: message content: %w", err)
		}
		if name := msg.Get("name"); name.Exists() {
			entry, err = sjson.SetRawBytes(entry, "name", []byte(name.Raw))
			if err != nil {
				return nil, fmt.Errorf("translate: message name: %w", err)
			}
		}
		out, err = sjson.SetRawBytes(out, fmt.Sprintf("messages.%d", idx), entry)
		if err != nil {
			return nil, fmt.Errorf("translate: message %d: %w", idx, err)
		}
		idx++
	}
	return out, nil
}

// IsStreaming reports the request's stream flag (absent means false).
func IsStreaming(raw []byte) bool {
	return gjson.GetBytes(raw, "stream").Bool()
}

// Model returns the request's model id.
func Model(raw []byte) string {
	return gjson.GetBytes(raw, "model").String()
}
