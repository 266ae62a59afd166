// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package zhipu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/jeranaias/relaychat/internal/logx"
	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/state"
)

type recorder struct {
	provider.NopListener
	mu       sync.Mutex
	answers  []string
	thinking []string
}

func (r *recorder) OnStreamUpdate(partial string, isThinking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isThinking {
		r.thinking = append(r.thinking, partial)
	} else {
		r.answers = append(r.answers, partial)
	}
}

type serverState struct {
	tokenFetches atomic.Int32
	lastBody     []byte
	mu           sync.Mutex
}

func newTestServer(t *testing.T, events ...string) (*httptest.Server, *serverState) {
	t.Helper()
	st := &serverState{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auths/", func(w http.ResponseWriter, _ *http.Request) {
		st.tokenFetches.Add(1)
		fmt.Fprint(w, `{"token":"anon-7"}`)
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer anon-7" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("x-fe-version"); got == "" {
			t.Error("x-fe-version missing")
		}
		body, _ := io.ReadAll(r.Body)
		st.mu.Lock()
		st.lastBody = body
		st.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, evt := range events {
			fmt.Fprintf(w, "data: %s\n\n", evt)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func newTurn(rec *recorder) *provider.Turn {
	return &provider.Turn{
		Message:  "Hello",
		Model:    model.Builtin["glm-4.5"],
		State:    &state.Conversation{},
		Options:  provider.Options{Thinking: true},
		Listener: rec,
	}
}

func TestSendMessagePhaseRouting(t *testing.T) {
	srv, _ := newTestServer(t,
		`{"type":"chat:completion","data":{"phase":"thinking","delta_content":"<p>let me see</p>"}}`,
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"The answer "}}`,
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"is 42.","done":true}}`,
	)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	rec := &recorder{}

	result, err := c.SendMessage(context.Background(), newTurn(rec))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result.Text != "The answer is 42." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Thinking != "let me see" {
		t.Errorf("thinking = %q (markup should be stripped)", result.Thinking)
	}
	if len(rec.thinking) == 0 || len(rec.answers) == 0 {
		t.Fatal("channels not both updated")
	}
	if last := rec.answers[len(rec.answers)-1]; last != "The answer is 42." {
		t.Errorf("last answer update = %q", last)
	}
}

func TestSendMessageEditContentMonotonicSuffix(t *testing.T) {
	srv, _ := newTestServer(t,
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"Hello"}}`,
		`{"type":"chat:completion","data":{"phase":"answer","edit_content":"Hello world"}}`,
		`{"type":"chat:completion","data":{"phase":"answer","edit_content":"Hel"}}`,
		`{"type":"chat:completion","data":{"phase":"answer","edit_content":"completely different"}}`,
		`{"type":"chat:completion","data":{"phase":"answer","edit_content":"Hello world!","done":true}}`,
	)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	result, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if err != nil {
		t.Fatal(err)
	}
	// shorter and non-prefix rewrites are dropped, extensions are applied
	if result.Text != "Hello world!" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestSendMessageIgnoresOtherEventTypes(t *testing.T) {
	srv, _ := newTestServer(t,
		`{"type":"chat:meta","data":{"phase":"answer","delta_content":"noise"}}`,
		`{broken`,
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"kept","done":true}}`,
	)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	result, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "kept" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestSendMessageBodyShape(t *testing.T) {
	srv, st := newTestServer(t,
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"ok","done":true}}`,
	)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	turn := newTurn(&recorder{})
	turn.History = []state.Message{state.NewUserMessage("before"), state.NewAssistantMessage("reply")}

	if _, err := c.SendMessage(context.Background(), turn); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Stream   bool                `json:"stream"`
		ChatID   string              `json:"chat_id"`
		Messages []map[string]string `json:"messages"`
		Features struct {
			EnableThinking bool `json:"enable_thinking"`
		} `json:"features"`
	}
	if err := json.Unmarshal(st.lastBody, &body); err != nil {
		t.Fatal(err)
	}
	if !body.Stream || body.ChatID != "local" {
		t.Errorf("body = %+v", body)
	}
	if len(body.Messages) != 3 || body.Messages[2]["content"] != "Hello" {
		t.Errorf("messages = %+v", body.Messages)
	}
	if !body.Features.EnableThinking {
		t.Error("thinking flag dropped")
	}
	if turn.State.ConversationID == "" {
		t.Error("local conversation id not assigned")
	}
	if st.tokenFetches.Load() != 1 {
		t.Errorf("token fetches = %d, want 1", st.tokenFetches.Load())
	}
}

func TestSendMessageAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auths/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"token":"anon-7"}`)
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	_, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if !errors.Is(err, provider.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestStrip(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"plain", "plain"},
		{"<details><summary>t</summary>body</details>", "tbody"},
		{"a < b", "a < b"},
	}
	for _, tc := range cases {
		if got := strip(tc.in); got != tc.want {
			t.Errorf("strip(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFetchModelsParsesCatalog(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auths/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"token":"anon-7"}`)
	})
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"glm-4.5","name":"GLM 4.5"},{"id":"glm-4.5-air","name":"GLM 4.5 Air"},{"name":"skipped"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	models := c.FetchModels(context.Background())
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	if models[0].ID != "glm-4.5" || models[1].Name != "GLM 4.5 Air" {
		t.Errorf("models = %+v", models)
	}
}
