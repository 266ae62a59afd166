// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the model catalog: descriptions of the AI models the
// provider clients can address, with their capability flags.
package model

import "sort"

// =============================================================================
// MODEL INFORMATION
// =============================================================================

// Capabilities describes what a model supports. Requesting a capability the
// model lacks is not an error; the request option is silently dropped.
type Capabilities struct {
	Thinking       bool `json:"thinking"`
	WebSearch      bool `json:"web_search"`
	Vision         bool `json:"vision"`
	Document       bool `json:"document"`
	Video          bool `json:"video"`
	Audio          bool `json:"audio"`
	Citations      bool `json:"citations"`
	ThinkingBudget bool `json:"thinking_budget"`
	MCPTools       bool `json:"mcp_tools"`
}

// Info contains metadata about an available model. Immutable once
// constructed; built from the static tables below or a provider's model-list
// endpoint.
type Info struct {
	// ID is the provider-side model identifier
	ID string `json:"id"`
	// Name is the human-readable display name
	Name string `json:"name"`
	// Provider names the backend that serves this model
	Provider string `json:"provider"`
	// Capabilities flags what the model supports
	Capabilities Capabilities `json:"capabilities"`
	// MaxContext is the context window in tokens (0 = unknown)
	MaxContext int `json:"max_context,omitempty"`
	// MaxGeneration is the output limit in tokens (0 = unknown)
	MaxGeneration int `json:"max_generation,omitempty"`
	// SingleRound marks models that do not support multi-turn history
	SingleRound bool `json:"single_round,omitempty"`
	// Description is a short summary for pickers
	Description string `json:"description,omitempty"`
}

// Provider names. Closed set; the relay registry dispatches on these.
const (
	ProviderQwen         = "qwen"
	ProviderKimi         = "kimi"
	ProviderZhipu        = "zhipu"
	ProviderYqcloud      = "yqcloud"
	ProviderCloudflare   = "cloudflare"
	ProviderPollinations = "pollinations"
	ProviderGemini       = "gemini"
)

// =============================================================================
// BUILT-IN REGISTRY
// =============================================================================

// Builtin is the fallback catalog used when a provider's live model list
// cannot be fetched. Keyed by model ID.
var Builtin = map[string]Info{
	"qwen3-max": {
		ID: "qwen3-max", Name: "Qwen3 Max", Provider: ProviderQwen,
		Capabilities: Capabilities{Thinking: true, WebSearch: true, ThinkingBudget: true},
		MaxContext:   262144, Description: "Flagship Qwen chat model",
	},
	"qwen3-coder-plus": {
		ID: "qwen3-coder-plus", Name: "Qwen3 Coder", Provider: ProviderQwen,
		Capabilities: Capabilities{WebSearch: true},
		MaxContext:   262144, Description: "Code-focused Qwen model",
	},
	"k2": {
		ID: "k2", Name: "Kimi K2", Provider: ProviderKimi,
		Capabilities: Capabilities{WebSearch: true},
		Description:  "Moonshot Kimi assistant",
	},
	"glm-4.5": {
		ID: "glm-4.5", Name: "GLM 4.5", Provider: ProviderZhipu,
		Capabilities: Capabilities{Thinking: true},
		Description:  "Zhipu GLM chat model",
	},
	"yqcloud-default": {
		ID: "yqcloud-default", Name: "YqCloud GPT", Provider: ProviderYqcloud,
		Capabilities: Capabilities{WebSearch: true},
		Description:  "Keyless GPT-style endpoint",
	},
	"@cf/meta/llama-3.1-8b-instruct": {
		ID: "@cf/meta/llama-3.1-8b-instruct", Name: "Llama 3.1 8B", Provider: ProviderCloudflare,
		MaxGeneration: 2048, Description: "Cloudflare Workers AI playground",
	},
	"openai": {
		ID: "openai", Name: "Pollinations GPT", Provider: ProviderPollinations,
		Description: "OpenAI-compatible keyless endpoint",
	},
	"gemini-2.5-flash": {
		ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: ProviderGemini,
		Capabilities: Capabilities{Thinking: true, Vision: true, Document: true},
		Description:  "Fast Gemini model (cookie session)",
	},
	"gemini-2.5-pro": {
		ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: ProviderGemini,
		Capabilities: Capabilities{Thinking: true, Vision: true, Document: true},
		Description:  "Strongest Gemini model (cookie session)",
	},
}

// Get looks up a model by ID in the built-in registry.
func Get(id string) (Info, bool) {
	info, ok := Builtin[id]
	return info, ok
}

// ByProvider returns the built-in models served by a provider, sorted by ID.
func ByProvider(provider string) []Info {
	var out []Info
	for _, info := range Builtin {
		if info.Provider == provider {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every built-in model sorted by provider then ID.
func All() []Info {
	out := make([]Info, 0, len(Builtin))
	for _, info := range Builtin {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Default returns the model to preselect for a provider, falling back to the
// first registered one.
func Default(provider string) (Info, bool) {
	defaults := map[string]string{
		ProviderQwen:         "qwen3-max",
		ProviderKimi:         "k2",
		ProviderZhipu:        "glm-4.5",
		ProviderYqcloud:      "yqcloud-default",
		ProviderCloudflare:   "@cf/meta/llama-3.1-8b-instruct",
		ProviderPollinations: "openai",
		ProviderGemini:       "gemini-2.5-flash",
	}
	if id, ok := defaults[provider]; ok {
		return Get(id)
	}
	models := ByProvider(provider)
	if len(models) == 0 {
		return Info{}, false
	}
	return models[0], true
}
