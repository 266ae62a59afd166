// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package state

import "testing"

func TestActiveTransition(t *testing.T) {
	c := &Conversation{}
	if c.Active() {
		t.Fatal("fresh state must not be active")
	}
	c.ConversationID = "abc"
	if !c.Active() {
		t.Fatal("state with id must be active")
	}
}

func TestReset(t *testing.T) {
	c := &Conversation{
		ConversationID: "abc",
		LastParentID:   "p1",
		SessionCookie:  "SERVERID=w1",
	}
	c.SetExtra("k", "v")
	c.Reset()
	if c.Active() || c.LastParentID != "" || c.SessionCookie != "" || c.Extra != nil {
		t.Fatalf("reset left state behind: %+v", c)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := &Conversation{ConversationID: "abc"}
	c.SetExtra("k", "v")
	clone := c.Clone()
	clone.SetExtra("k", "changed")
	clone.ConversationID = "other"
	if c.GetExtra("k") != "v" || c.ConversationID != "abc" {
		t.Fatalf("clone mutated original: %+v", c)
	}
}

func TestStateRoundTrip(t *testing.T) {
	c := &Conversation{
		ConversationID: "abc",
		LastParentID:   "resp-1",
	}
	c.SetExtra("gemini_cid", "c_1")
	data, err := c.MarshalState()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalState(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConversationID != "abc" || got.LastParentID != "resp-1" || got.GetExtra("gemini_cid") != "c_1" {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	u := NewUserMessage("hi")
	a := NewAssistantMessage("hello")
	s := NewSystemMessage("sys")
	if u.Role != RoleUser || a.Role != RoleAssistant || s.Role != RoleSystem {
		t.Fatalf("roles = %q %q %q", u.Role, a.Role, s.Role)
	}
	if u.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
