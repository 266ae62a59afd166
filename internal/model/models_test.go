// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "testing"

func TestGet(t *testing.T) {
	info, ok := Get("qwen3-max")
	if !ok {
		t.Fatal("qwen3-max missing from builtin registry")
	}
	if info.Provider != ProviderQwen {
		t.Errorf("provider = %q", info.Provider)
	}
	if !info.Capabilities.Thinking || !info.Capabilities.WebSearch {
		t.Errorf("capabilities = %+v", info.Capabilities)
	}
	if _, ok := Get("no-such-model"); ok {
		t.Error("unknown id must not resolve")
	}
}

func TestByProviderSorted(t *testing.T) {
	models := ByProvider(ProviderGemini)
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	if models[0].ID > models[1].ID {
		t.Errorf("not sorted: %s, %s", models[0].ID, models[1].ID)
	}
	for _, m := range models {
		if m.Provider != ProviderGemini {
			t.Errorf("wrong provider in result: %+v", m)
		}
	}
}

func TestDefaultPerProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantID   string
	}{
		{ProviderQwen, "qwen3-max"},
		{ProviderKimi, "k2"},
		{ProviderZhipu, "glm-4.5"},
		{ProviderGemini, "gemini-2.5-flash"},
	}
	for _, tt := range tests {
		m, ok := Default(tt.provider)
		if !ok || m.ID != tt.wantID {
			t.Errorf("Default(%s) = %+v, %v", tt.provider, m, ok)
		}
	}
	if _, ok := Default("unknown"); ok {
		t.Error("unknown provider must not have a default")
	}
}

func TestAllCoversEveryProvider(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range All() {
		seen[m.Provider] = true
	}
	for _, p := range []string{
		ProviderQwen, ProviderKimi, ProviderZhipu, ProviderYqcloud,
		ProviderCloudflare, ProviderPollinations, ProviderGemini,
	} {
		if !seen[p] {
			t.Errorf("no builtin model for provider %s", p)
		}
	}
}
