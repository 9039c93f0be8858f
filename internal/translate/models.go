package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
)

type (
	modelPermission struct {
		ID                 string `json:"id"`
		Object             string `json:"object"`
		Created            int64  `json:"created"`
		AllowCreateEngine  bool   `json:"allow_create_engine"`
		AllowSampling      bool   `json:"allow_sampling"`
		AllowLogprobs      bool   `json:"allow_logprobs"`
		AllowSearchIndices bool   `json:"allow_search_indices"`
		AllowView          bool   `json:"allow_view"`
		AllowFineTuning    bool   `json:"allow_fine_tuning"`
		Organization       string `json:"organization"`
		IsBlocking         bool   `json:"is_blocking"`
	}

	modelEntry struct {
		ID         string            `json:"id"`
		Object     string            `json:"object"`
		Created    int64             `json:"created"`
		OwnedBy    string            `json:"owned_by"`
		Permission []modelPermission `json:"permission"`
		Root       string            `json:"root"`
		Parent     *string           `json:"parent"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}

	engineEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Owner  string `json:"owner"`
		Ready  bool   `json:"ready"`
	}

	engineList struct {
		Object string        `json:"object"`
		Data   []engineEntry `json:"data"`
	}
)

// ModelsList renders catalog entries as an OpenAI GET /v1/models response.
func ModelsList(models []openrouter.ModelInfo) ([]byte, error) {
	now := time.Now().Unix()
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}

	for _, m := range models {
		created := m.Created
		if created == 0 {
			created = now
		}
		out.Data = append(out.Data, modelEntry{
			ID:      m.ID,
			Object:  "model",
			Created: created,
			OwnedBy: ownerSlug(m.ID),
			Permission: []modelPermission{{
				ID:            "modelperm-" + m.ID,
				Object:        "model_permission",
				Created:       created,
				AllowSampling: true,
				AllowView:     true,
				Organization:  "*",
			}},
			Root:   m.ID,
			Parent: nil,
		})
	}
	return json.Marshal(out)
}

// EnginesList renders catalog entries under the legacy GET /v1/engines shape.
func EnginesList(models []openrouter.ModelInfo) ([]byte, error) {
	out := engineList{Object: "list", Data: make([]engineEntry, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, engineEntry{
			ID:     m.ID,
			Object: "engine",
			Owner:  ownerSlug(m.ID),
			Ready:  true,
		})
	}
	return json.Marshal(out)
}

// ownerSlug derives the owning organization from a namespaced model id
// ("openai/gpt-4o" → "openai").
func ownerSlug(id string) string {
	if slug, _, ok := strings.Cut(id, "/"); ok && slug != "" {
		return slug
	}
	return "openrouter"
}
