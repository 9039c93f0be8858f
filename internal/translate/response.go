package translate

import (
	"encoding/json"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

// chatCompletion is the OpenAI-shaped non-streaming response envelope.
// Choices and usage stay raw — the upstream already speaks the OpenAI choice
// shape, and re-typing them would drop provider-specific fields.
type chatCompletion struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []json.RawMessage `json:"choices"`
	Usage   json.RawMessage   `json:"usage,omitempty"`
}

// Response converts an upstream chat response into the OpenAI response body.
// The model field carries what the upstream reported, unmapped.
func Response(up openrouter.ChatResponse) ([]byte, error) {
	object := up.Object
	if object == "" {
		object = "chat.completion"
	}
	return json.Marshal(chatCompletion{
		ID:      up.ID,
		Object:  object,
		Created: up.Created,
		Model:   up.Model,
		Choices: up.Choices,
		Usage:   up.Usage,
	})
}
