// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/jeranaias/relaychat/internal/logx"
	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/state"
)

type recorder struct {
	provider.NopListener
	mu      sync.Mutex
	updates []string
}

func (r *recorder) OnStreamUpdate(partial string, isThinking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isThinking {
		r.updates = append(r.updates, partial)
	}
}

func serveLines(t *testing.T, capture *[]byte, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTurn(rec *recorder) *provider.Turn {
	return &provider.Turn{
		Message:  "Hello",
		Model:    model.Builtin["@cf/meta/llama-3.1-8b-instruct"],
		State:    &state.Conversation{},
		Listener: rec,
	}
}

func TestSendMessageContentLines(t *testing.T) {
	srv := serveLines(t, nil,
		`0:"Hel"`,
		`0:"lo "`,
		`0:"world"`,
		`e:{"finishReason":"stop"}`,
		`d:{"finishReason":"stop"}`,
	)
	c := New(Config{Endpoint: srv.URL}, logx.Nop())
	rec := &recorder{}

	result, err := c.SendMessage(context.Background(), newTurn(rec))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result.Text != "Hello world" {
		t.Errorf("text = %q", result.Text)
	}
	if last := rec.updates[len(rec.updates)-1]; last != "Hello world" {
		t.Errorf("last update = %q", last)
	}
}

func TestSendMessageObjectChunks(t *testing.T) {
	srv := serveLines(t, nil,
		`0:{"text":"a"}`,
		`0:{"delta":{"content":"b"}}`,
		`0:{"content":"c"}`,
		`0:{"unrelated":true}`,
		`d:{}`,
	)
	c := New(Config{Endpoint: srv.URL}, logx.Nop())

	result, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "abc" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestSendMessageBodyShape(t *testing.T) {
	var captured []byte
	srv := serveLines(t, &captured, `0:"ok"`)
	c := New(Config{Endpoint: srv.URL, MaxTokens: 512}, logx.Nop())
	turn := newTurn(&recorder{})
	turn.History = []state.Message{state.NewAssistantMessage("hi")}

	if _, err := c.SendMessage(context.Background(), turn); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Messages []struct {
			Role  string `json:"role"`
			Parts []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"messages"`
		Model         string `json:"model"`
		MaxTokens     int    `json:"max_tokens"`
		Stream        bool   `json:"stream"`
		SystemMessage string `json:"system_message"`
	}
	if err := json.Unmarshal(captured, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %+v", body.Messages)
	}
	last := body.Messages[1]
	if last.Role != state.RoleUser || len(last.Parts) != 1 || last.Parts[0].Text != "Hello" {
		t.Errorf("user message = %+v", last)
	}
	if body.MaxTokens != 512 || !body.Stream || body.SystemMessage == "" {
		t.Errorf("body = %+v", body)
	}
	if turn.State.ConversationID == "" {
		t.Error("local conversation id not assigned")
	}
}

func TestSendMessageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(Config{Endpoint: srv.URL}, logx.Nop())

	_, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestDecodeChunk(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"plain string"`, "plain string"},
		{`"with \"escape\""`, `with "escape"`},
		{`{"text":"t"}`, "t"},
		{`{"delta":{"content":"d"}}`, "d"},
		{`{"content":"c"}`, "c"},
		{`{"other":1}`, ""},
		{``, ""},
		{`"unterminated`, ""},
	}
	for _, tc := range cases {
		if got := decodeChunk(tc.in); got != tc.want {
			t.Errorf("decodeChunk(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
