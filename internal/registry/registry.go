// Package registry is the static catalogue of LLM models the service
// can route to. The catalogue is fixed at deploy time; lookups are
// total and never fail, falling back to the free default model.
package registry

// Tier separates models available to everyone from pro-only models.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Model describes one routable LLM.
type Model struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	ShortName   string   `json:"short_name"`
	Provider    string   `json:"provider"`
	Tier        Tier     `json:"tier"`
	Features    []string `json:"features,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// FreeModel is the system default. It must stay free tier: anonymous
// users are pinned to it unconditionally.
var FreeModel = Model{
	ID:          "openai/gpt-4.1-nano",
	DisplayName: "GPT-4.1 Nano",
	ShortName:   "GPT-4.1 Nano",
	Provider:    "openai",
	Tier:        TierFree,
	Features:    []string{"chat", "fast-response"},
	MaxTokens:   4096,
}

var PaidModels = []Model{
	{
		ID:          "google/gemini-2.0-flash-001",
		DisplayName: "Gemini 2.0 Flash",
		ShortName:   "Gemini 2.0",
		Provider:    "google",
		Tier:        TierPro,
		Features:    []string{"chat", "advanced-reasoning", "multimodal"},
		MaxTokens:   8192,
	},
	{
		ID:          "openai/gpt-5-nano",
		DisplayName: "GPT-5 Nano",
		ShortName:   "GPT-5 Nano",
		Provider:    "openai",
		Tier:        TierPro,
		Features:    []string{"chat", "fast-response", "improved-reasoning"},
		MaxTokens:   8192,
	},
}

// All returns the full catalogue, free model first.
func All() []Model {
	return append([]Model{FreeModel}, PaidModels...)
}

// Default returns the default model id.
func Default() string {
	return FreeModel.ID
}

// IsValid reports whether a model id is in the catalogue.
func IsValid(modelID string) bool {
	for _, m := range All() {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

// ByID returns the descriptor for a model id, or the default
// descriptor for unknown ids so display logic stays total.
func ByID(modelID string) Model {
	for _, m := range All() {
		if m.ID == modelID {
			return m
		}
	}
	return FreeModel
}

// IsPro reports whether a model id resolves to a pro-tier model.
func IsPro(modelID string) bool {
	return ByID(modelID).Tier == TierPro
}

// Validate resolves the effective model for a request. Unknown or
// missing ids resolve to the default rather than erroring. Anonymous
// subjects are always coerced to the default regardless of what they
// asked for; this is an authorization boundary enforced server-side.
func Validate(modelID string, anonymous bool) string {
	if anonymous {
		return Default()
	}
	if modelID == "" || !IsValid(modelID) {
		return Default()
	}
	return modelID
}
