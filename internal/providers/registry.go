package providers

import (
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/errdef"
)

// Keys carries per-provider API credentials and endpoints.
type Keys struct {
	Anthropic  string
	OpenAI     string
	Gemini     string
	CueBaseURL string // optional Cue proxy; OpenAI-compatible
}

const geminiOpenAIBase = "https://generativelanguage.googleapis.com/v1beta/openai"

// ResolveProvider maps a model id onto its provider name.
// Returns "" for unknown models.
func ResolveProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "cue/"):
		return "cue"
	}
	return ""
}

// NewClient constructs the provider client for a model id.
// Unknown models and missing keys fail fast as construction
// errors, not runtime results.
func NewClient(model string, keys Keys) (Client, error) {
	switch ResolveProvider(model) {
	case "anthropic":
		if keys.Anthropic == "" {
			return nil, &errdef.ConfigError{Field: "ANTHROPIC_API_KEY", Reason: "missing API key for model " + model}
		}
		return NewAnthropicClient(keys.Anthropic, model), nil
	case "openai":
		if keys.OpenAI == "" {
			return nil, &errdef.ConfigError{Field: "OPENAI_API_KEY", Reason: "missing API key for model " + model}
		}
		return NewOpenAIClient("openai", keys.OpenAI, "", model), nil
	case "gemini":
		if keys.Gemini == "" {
			return nil, &errdef.ConfigError{Field: "GEMINI_API_KEY", Reason: "missing API key for model " + model}
		}
		return NewOpenAIClient("gemini", keys.Gemini, geminiOpenAIBase, model), nil
	case "cue":
		if keys.CueBaseURL == "" {
			return nil, &errdef.ConfigError{Field: "CUE_BASE_URL", Reason: "cue proxy base URL not configured"}
		}
		return NewOpenAIClient("cue", keys.OpenAI, keys.CueBaseURL, strings.TrimPrefix(model, "cue/")), nil
	}
	return nil, &errdef.ConfigError{Field: "model", Reason: "unknown model id " + model}
}
