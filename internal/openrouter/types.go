package openrouter

import "encoding/json"

// ModelInfo is one entry of the upstream model catalog.
type ModelInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Created       int64             `json:"created"`
	Description   string            `json:"description"`
	ContextLength int               `json:"context_length"`
	Architecture  ModelArchitecture `json:"architecture"`
	Pricing       ModelPricing      `json:"pricing"`
	TopProvider   *TopProvider      `json:"top_provider,omitempty"`

	SupportedParameters []string `json:"supported_parameters,omitempty"`
}

// ModelArchitecture describes the modalities a model accepts and produces.
// Known modality values: text, image, audio, video, file.
type ModelArchitecture struct {
	InputModalities  []string `json:"input_modalities"`
	OutputModalities []string `json:"output_modalities"`
	Tokenizer        string   `json:"tokenizer,omitempty"`
}

// AcceptsInput reports whether the model accepts the given input modality.
func (a ModelArchitecture) AcceptsInput(modality string) bool {
	for _, m := range a.InputModalities {
		if m == modality {
			return true
		}
	}
	return false
}

// ModelPricing carries upstream per-token prices. OpenRouter serializes
// prices as decimal strings.
type ModelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Image      string `json:"image,omitempty"`
	Request    string `json:"request,omitempty"`
}

// TopProvider describes the primary serving provider for a model.
type TopProvider struct {
	ContextLength       int  `json:"context_length,omitempty"`
	MaxCompletionTokens int  `json:"max_completion_tokens,omitempty"`
	IsModerated         bool `json:"is_moderated,omitempty"`
}

// APIKeyRecord is an OpenRouter-managed key listing entry. The raw key
// material is only ever returned by CreateKey.
type APIKeyRecord struct {
	Hash      string   `json:"hash"`
	Name      string   `json:"name"`
	Label     string   `json:"label"`
	Disabled  bool     `json:"disabled"`
	Limit     *float64 `json:"limit,omitempty"`
	Usage     float64  `json:"usage"`
	CreatedAt string   `json:"created_at,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// CreatedKey is the CreateKey response: the record plus the one-time raw key.
type CreatedKey struct {
	Record APIKeyRecord
	Key    string
}

// KeyInfo is the GET /key response for the current runtime key.
type KeyInfo struct {
	Label      string   `json:"label"`
	Usage      float64  `json:"usage"`
	Limit      *float64 `json:"limit,omitempty"`
	IsFreeTier bool     `json:"is_free_tier"`
}

// Credits is the GET /credits response.
type Credits struct {
	TotalCredits float64 `json:"total_credits"`
	TotalUsage   float64 `json:"total_usage"`
}

// ProviderInfo is one entry of the GET /providers listing.
type ProviderInfo struct {
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	PrivacyPolicyURL string `json:"privacy_policy_url,omitempty"`
	TermsOfSrvURL    string `json:"terms_of_service_url,omitempty"`
	StatusPageURL    string `json:"status_page_url,omitempty"`
}

// ActivityDay is a daily per-model usage rollup from GET /activity.
type ActivityDay struct {
	Date            string  `json:"date"`
	Model           string  `json:"model"`
	ModelPermaslug  string  `json:"model_permaslug,omitempty"`
	Usage           float64 `json:"usage"`
	Requests        int64   `json:"requests"`
	PromptTokens    int64   `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// ChatResponse is the upstream non-streaming chat completion body. Choices
// and usage are kept raw so the translator can forward them without loss.
type ChatResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []json.RawMessage `json:"choices"`
	Usage   json.RawMessage   `json:"usage,omitempty"`
}

// Result is the uniform outcome of every upstream operation.
// Exactly one of Data / Err is meaningful, discriminated by Err == nil.
type Result[T any] struct {
	Data       T
	StatusCode int
	Err        *Error
}

// Error carries a failed upstream outcome. StatusCode is 0 for transport
// failures (no HTTP response was received).
type Error struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Unauthorized reports whether the operation failed with an upstream 401.
func (r Result[T]) Unauthorized() bool {
	return r.Err != nil && r.Err.StatusCode == 401
}

func success[T any](data T, status int) Result[T] {
	return Result[T]{Data: data, StatusCode: status}
}

func failure[T any](message string, status int, cause error) Result[T] {
	return Result[T]{StatusCode: status, Err: &Error{Message: message, StatusCode: status, Cause: cause}}
}
