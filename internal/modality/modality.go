// Package modality gates multimodal chat requests on the target model's
// declared input modalities.
package modality

import (
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

// partModality maps a content-part type to the catalog modality it requires.
var partModality = map[string]string{
	"image_url":   "image",
	"input_audio": "audio",
	"video_url":   "video",
	"file":        "file",
}

// Lookup resolves a model id to its cached record; nil means uncached.
// Satisfied by (*catalog.Cache).ByID.
type Lookup func(id string) *openrouter.ModelInfo

// Validator checks message content arrays against model capabilities.
type Validator struct {
	lookup Lookup
	log    *slog.Logger
}

// New creates a Validator backed by the given catalog lookup.
func New(lookup Lookup, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{lookup: lookup, log: log}
}

// Check scans the request's message contents for non-text parts and verifies
// each against the target model's input modalities. An uncached model skips
// validation entirely (fail-open): the upstream is the final authority.
//
// The returned error message names the offending content type and model; it
// is safe to surface to clients verbatim.
func (v *Validator) Check(raw []byte) error {
	detected := detectModalities(raw)
	if len(detected) == 0 {
		return nil
	}

	modelID := gjson.GetBytes(raw, "model").String()
	info := v.lookup(modelID)
	if info == nil {
		v.log.Debug("model not cached, skipping multimodal validation",
			slog.String("model", modelID))
		return nil
	}

	for _, modality := range detected {
		if !info.Architecture.AcceptsInput(modality) {
			return fmt.Errorf("model %q does not accept %s input", modelID, modality)
		}
	}
	return nil
}

// detectModalities returns the distinct non-text modalities present in the
// request, in first-seen order.
func detectModalities(raw []byte) []string {
	var out []string
	seen := map[string]bool{}

	for _, msg := range gjson.GetBytes(raw, "messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, part := range content.Array() {
			modality, ok := partModality[part.Get("type").String()]
			if !ok || seen[modality] {
				continue
			}
			seen[modality] = true
			out = append(out, modality)
		}
	}
	return out
}
