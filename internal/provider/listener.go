// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "github.com/jeranaias/relaychat/internal/state"

// =============================================================================
// LISTENER CONTRACT
// =============================================================================

// Listener is the callback surface exposed to the calling layer. Callbacks
// are fire-and-forget notifications with no backpressure; implementations
// must not block.
//
// Per turn the orchestrator guarantees:
//
//   - OnRequestStarted fires exactly once, first.
//   - OnStreamUpdate fires zero or more times with cumulative text.
//   - Exactly one of OnActionsProcessed or OnError fires.
//   - OnRequestCompleted fires exactly once, last, success or failure, so
//     the caller's busy state is always clearable.
type Listener interface {
	// OnRequestStarted marks the beginning of a turn.
	OnRequestStarted()

	// OnRequestCompleted marks the unconditional end of a turn.
	OnRequestCompleted()

	// OnStreamUpdate delivers throttled cumulative partial text. partial
	// never shrinks between consecutive calls with the same isThinking.
	OnStreamUpdate(partial string, isThinking bool)

	// OnActionsProcessed is the terminal success callback.
	OnActionsProcessed(rawPayload, finalText string, suggestions []string, actions []FileAction, modelName string)

	// OnError is the terminal failure callback. Partial stream updates
	// may already have been delivered.
	OnError(err error)

	// OnConversationStateUpdated fires whenever the conversation id or a
	// continuation pointer changes. The state is a snapshot safe to
	// persist.
	OnConversationStateUpdated(st *state.Conversation)
}

// NopListener discards all callbacks. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnRequestStarted()                                                 {}
func (NopListener) OnRequestCompleted()                                               {}
func (NopListener) OnStreamUpdate(string, bool)                                       {}
func (NopListener) OnActionsProcessed(string, string, []string, []FileAction, string) {}
func (NopListener) OnError(error)                                                     {}
func (NopListener) OnConversationStateUpdated(*state.Conversation)                    {}
