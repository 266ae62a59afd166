// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package state holds per-conversation continuation state. A Conversation is
// owned by exactly one chat; provider clients read it to decide between a
// "create" and a "continue" request and write server-assigned identifiers
// back. Callers must serialize turns against the same Conversation.
package state

import (
	json "github.com/goccy/go-json"
)

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// Conversation tracks the continuation pointers for one chat.
//
// Lifecycle: NEW (empty ConversationID) until the first turn creates a
// server-side conversation, then ACTIVE. The ID is never cleared during
// normal turns; only Reset starts a new chat.
type Conversation struct {
	// ConversationID is the server-assigned thread id ("" until first turn)
	ConversationID string `json:"conversation_id,omitempty"`
	// LastParentID is the id of the latest message in the thread, used as
	// the parent for the next turn
	LastParentID string `json:"last_parent_id,omitempty"`
	// SessionCookie pins follow-up requests to the backend worker that owns
	// the conversation, for providers that issue one
	SessionCookie string `json:"session_cookie,omitempty"`
	// Extra carries provider-specific continuation tokens (for example the
	// Gemini [cid, rid, rcid] triple) keyed by provider-chosen names
	Extra map[string]string `json:"extra,omitempty"`
}

// Active reports whether the conversation exists server-side.
func (c *Conversation) Active() bool {
	return c.ConversationID != ""
}

// SetExtra stores a provider-specific continuation token.
func (c *Conversation) SetExtra(key, value string) {
	if c.Extra == nil {
		c.Extra = make(map[string]string)
	}
	c.Extra[key] = value
}

// GetExtra returns a provider-specific continuation token, or "".
func (c *Conversation) GetExtra(key string) string {
	return c.Extra[key]
}

// Reset clears all continuation state, starting a new chat.
func (c *Conversation) Reset() {
	c.ConversationID = ""
	c.LastParentID = ""
	c.SessionCookie = ""
	c.Extra = nil
}

// Clone returns a deep copy, for snapshotting state into callbacks.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{
		ConversationID: c.ConversationID,
		LastParentID:   c.LastParentID,
		SessionCookie:  c.SessionCookie,
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MarshalState serializes the conversation for durable storage.
func (c *Conversation) MarshalState() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalState restores a conversation persisted by MarshalState.
func UnmarshalState(data []byte) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
