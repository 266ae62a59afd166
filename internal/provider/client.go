// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract every backend client implements and
// the callback surface the calling layer consumes. Concrete clients live in
// internal/providers; they differ only in request body shape, authentication
// scheme, and event payload shape, and all funnel through internal/stream.
package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/state"
)

// =============================================================================
// CLIENT CONTRACT
// =============================================================================

// Client is one backend implementation. SendMessage runs a single request
// and returns the decoded result; retry and tool-call continuation live in
// internal/relay, not here.
type Client interface {
	// Name returns the provider name (a model.Provider* constant).
	Name() string

	// FetchModels returns the provider's model catalog. It never fails:
	// on any error it degrades to the built-in list for this provider.
	FetchModels(ctx context.Context) []model.Info

	// SendMessage executes one conversational turn. Partial text is
	// delivered through turn.Listener.OnStreamUpdate as the stream
	// decodes; conversation id changes are reported through
	// OnConversationStateUpdated. Terminal callbacks are the caller's
	// responsibility.
	SendMessage(ctx context.Context, turn *Turn) (*Result, error)
}

// Turn carries one conversational turn into a client.
type Turn struct {
	// Message is the new user message
	Message string
	// Model selects the provider-side model
	Model model.Info
	// History is the prior conversation, oldest first
	History []state.Message
	// State is the continuation state, mutated in place by the client
	State *state.Conversation
	// Options are per-turn capability toggles
	Options Options
	// Listener receives streaming callbacks during this turn
	Listener Listener
	// ToolResults, when non-empty, marks this turn as a continuation
	// carrying tool output back to the model
	ToolResults []ToolResult
}

// Options toggles optional model capabilities for a turn. Flags the model
// does not support are ignored, never an error.
type Options struct {
	Thinking     bool
	WebSearch    bool
	EnabledTools []string
	Attachments  []Attachment
}

// Attachment is a file sent with the user message, for vision/document
// capable models.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// Result is the terminal outcome of one streaming request.
type Result struct {
	// RawPayload is the provider's raw terminal payload, for diagnosis
	// and for callers that post-process it
	RawPayload string
	// Text is the final accumulated answer text
	Text string
	// Thinking is the final accumulated reasoning text, if any
	Thinking string
	// Sources lists web-search citations the provider attached
	Sources []Source
	// ToolCalls, when non-empty, means the model wants tools executed
	// before it can produce a final answer
	ToolCalls []ToolCall
}

// Empty reports whether the stream produced nothing at all. An empty result
// triggers the orchestrator's single retry.
func (r *Result) Empty() bool {
	return r == nil || (r.Text == "" && r.Thinking == "" && len(r.ToolCalls) == 0)
}

// ToolCall is a model request for an external function execution.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the executor's answer to one ToolCall, fed back through a
// continuation turn.
type ToolResult struct {
	Name   string         `json:"name"`
	Output map[string]any `json:"result"`
}

// Source is a web-search citation extracted from a provider stream.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Refresher is implemented by clients that hold a rotating session
// credential. The orchestrator forces a refresh before the single retry on
// auth and rate-limit failures.
type Refresher interface {
	RefreshCredential(ctx context.Context) error
}

// =============================================================================
// SHARED HTTP CLIENTS
// =============================================================================

// ReadTimeout is the default per-read idle deadline on streaming bodies. A
// silently stalled connection terminates the stream instead of hanging.
const ReadTimeout = 60 * time.Second

var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// UnaryClient is the shared client for non-streaming calls, with an overall
// request timeout.
var UnaryClient = &http.Client{
	Timeout:   30 * time.Second,
	Transport: sharedTransport,
}

// StreamClient is the shared client for streaming calls. No overall timeout;
// streams are bounded by the per-read idle deadline instead.
var StreamClient = &http.Client{
	Transport: sharedTransport,
}
