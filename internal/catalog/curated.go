package catalog

import "github.com/zhavoronkov/openrouter-proxy/internal/openrouter"

// curatedModels is the fixed fallback list served when the upstream catalog
// is unreachable, and the compact default for UI selectors.
var curatedModels = []openrouter.ModelInfo{
	{
		ID:            "openai/gpt-4o",
		Name:          "OpenAI: GPT-4o",
		ContextLength: 128000,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text", "image"},
			OutputModalities: []string{"text"},
		},
	},
	{
		ID:            "openai/gpt-4o-mini",
		Name:          "OpenAI: GPT-4o-mini",
		ContextLength: 128000,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text", "image"},
			OutputModalities: []string{"text"},
		},
	},
	{
		ID:            "anthropic/claude-3.5-sonnet",
		Name:          "Anthropic: Claude 3.5 Sonnet",
		ContextLength: 200000,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text", "image"},
			OutputModalities: []string{"text"},
		},
	},
	{
		ID:            "anthropic/claude-3.5-haiku",
		Name:          "Anthropic: Claude 3.5 Haiku",
		ContextLength: 200000,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text"},
			OutputModalities: []string{"text"},
		},
	},
	{
		ID:            "google/gemini-2.0-flash-001",
		Name:          "Google: Gemini 2.0 Flash",
		ContextLength: 1000000,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text", "image", "audio", "video"},
			OutputModalities: []string{"text"},
		},
	},
	{
		ID:            "meta-llama/llama-3.3-70b-instruct",
		Name:          "Meta: Llama 3.3 70B Instruct",
		ContextLength: 131072,
		Architecture: openrouter.ModelArchitecture{
			InputModalities:  []string{"text"},
			OutputModalities: []string{"text"},
		},
	},
}

// Curated returns a copy of the fixed short list of popular models.
func Curated() []openrouter.ModelInfo {
	out := make([]openrouter.ModelInfo, len(curatedModels))
	copy(out, curatedModels)
	return out
}
