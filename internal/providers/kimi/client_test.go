// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kimi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/relaychat/internal/logx"
	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/state"
)

type recorder struct {
	provider.NopListener
	mu      sync.Mutex
	updates []string
	states  int
}

func (r *recorder) OnStreamUpdate(partial string, isThinking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isThinking {
		r.updates = append(r.updates, partial)
	}
}

func (r *recorder) OnConversationStateUpdated(*state.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states++
}

type serverState struct {
	registers atomic.Int32
	creates   atomic.Int32
}

func newTestServer(t *testing.T, events ...string) (*httptest.Server, *serverState) {
	t.Helper()
	st := &serverState{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/device/register", func(w http.ResponseWriter, r *http.Request) {
		st.registers.Add(1)
		if r.Header.Get("x-msh-device-id") == "" || r.Header.Get("x-msh-platform") != "web" {
			t.Error("device headers missing")
		}
		fmt.Fprint(w, `{"access_token":"tok-1","refresh_token":"rt-1"}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		st.creates.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"id":"chat-99","name":"Untitled Conversation"}`)
	})
	mux.HandleFunc("/api/chat/chat-99/completion/stream", func(w http.ResponseWriter, _ *http.Request) {
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
		Model:    model.Builtin["k2"],
		State:    &state.Conversation{},
		Listener: rec,
	}
}

func TestSendMessageRegistersCreatesAndStreams(t *testing.T) {
	srv, st := newTestServer(t,
		`{"event":"cmpl","text":"Hel"}`,
		`{"event":"cmpl","text":"lo!"}`,
		`{"event":"rename","text":"Greeting"}`,
		`{"event":"all_done"}`,
	)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	rec := &recorder{}
	turn := newTurn(rec)

	result, err := c.SendMessage(context.Background(), turn)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if st.registers.Load() != 1 || st.creates.Load() != 1 {
		t.Errorf("registers = %d creates = %d", st.registers.Load(), st.creates.Load())
	}
	if result.Text != "Hello!" {
		t.Errorf("text = %q", result.Text)
	}
	if turn.State.ConversationID != "chat-99" {
		t.Errorf("conversation id = %q", turn.State.ConversationID)
	}
	if rec.states != 1 {
		t.Errorf("state updates = %d, want 1", rec.states)
	}
	if last := rec.updates[len(rec.updates)-1]; last != "Hello!" {
		t.Errorf("last update = %q", last)
	}
}

func TestSendMessageReusesDeviceAndChat(t *testing.T) {
	srv, st := newTestServer(t, `{"event":"cmpl","text":"x"}`, `{"event":"all_done"}`)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	shared := &state.Conversation{ConversationID: "chat-99"}
	for i := 0; i < 2; i++ {
		turn := newTurn(&recorder{})
		turn.State = shared
		if _, err := c.SendMessage(context.Background(), turn); err != nil {
			t.Fatal(err)
		}
	}
	if st.registers.Load() != 1 {
		t.Errorf("registers = %d, want 1 (token cached)", st.registers.Load())
	}
	if st.creates.Load() != 0 {
		t.Errorf("creates = %d, want 0 for active conversation", st.creates.Load())
	}
}

func TestSendMessageChatCreateAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/device/register", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok-1"}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	_, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if !errors.Is(err, provider.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestSendMessageRegisterFailureIsAuthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	_, err := c.SendMessage(context.Background(), newTurn(&recorder{}))
	if !errors.Is(err, provider.ErrAuthUnavailable) {
		t.Fatalf("err = %v, want ErrAuthUnavailable", err)
	}
}

func TestSendMessageEmptyStream(t *testing.T) {
	srv, _ := newTestServer(t, `{"event":"all_done"}`)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	turn := newTurn(&recorder{})
	turn.State.ConversationID = "chat-99"

	result, err := c.SendMessage(context.Background(), turn)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Empty() {
		t.Errorf("expected empty result, got %+v", result)
	}
}
