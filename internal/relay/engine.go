// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay orchestrates provider calls: the bounded retry loop, forced
// credential refresh on authorization failures, empty-stream recovery, and
// the tool-call continuation cycle. It owns the terminal callbacks; provider
// clients only ever emit stream and state updates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/tools"
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	// DefaultMaxAttempts bounds the request loop: one initial attempt plus
	// one retry.
	DefaultMaxAttempts = 2
	// DefaultToolLoopCap bounds tool-call continuation round-trips within
	// one turn. The cap exists so a model that keeps requesting tools
	// cannot loop forever; five rounds is enough for every observed
	// multi-step exchange.
	DefaultToolLoopCap = 5

	backoffBase = 500 * time.Millisecond
	backoffMax  = 10 * time.Second
)

// Config tunes the orchestrator. Zero values select the defaults.
type Config struct {
	MaxAttempts int
	ToolLoopCap int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ToolLoopCap <= 0 {
		c.ToolLoopCap = DefaultToolLoopCap
	}
	return c
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine dispatches turns to registered provider clients.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	clients  map[string]provider.Client
	executor tools.Executor
	log      zerolog.Logger

	// sleep is replaced in tests to skip real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. executor may be nil when no tools are enabled; a
// tool-calling model then receives structured failures.
func New(cfg Config, executor tools.Executor, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]provider.Client),
		executor: executor,
		log:      log.With().Str("component", "relay").Logger(),
		sleep:    sleepCtx,
	}
}

// SetConfig replaces the retry tuning, normalizing zero values to the
// defaults. Safe to call while turns are in flight; each turn reads the
// tuning once when it starts.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Register adds a provider client, keyed by its Name.
func (e *Engine) Register(c provider.Client) {
	e.clients[c.Name()] = c
}

// Client returns a registered client by provider name.
func (e *Engine) Client(name string) (provider.Client, bool) {
	c, ok := e.clients[name]
	return c, ok
}

// Providers returns the registered provider names, sorted.
func (e *Engine) Providers() []string {
	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// SEND
// =============================================================================

// Send runs one conversational turn end to end. Callbacks on turn.Listener
// observe: OnRequestStarted, zero or more stream/state updates, exactly one
// of OnActionsProcessed or OnError, then OnRequestCompleted unconditionally.
// Send never panics past this boundary and always returns after the
// completion callback has fired.
func (e *Engine) Send(ctx context.Context, turn *provider.Turn) {
	if turn.Listener == nil {
		turn.Listener = provider.NopListener{}
	}
	listener := turn.Listener
	listener.OnRequestStarted()
	defer listener.OnRequestCompleted()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("provider client panicked")
			listener.OnError(fmt.Errorf("internal error: %v", r))
		}
	}()

	client, ok := e.clients[turn.Model.Provider]
	if !ok {
		listener.OnError(fmt.Errorf("%w: no client for provider %q",
			provider.ErrModelNotFound, turn.Model.Provider))
		return
	}

	cfg := e.config()
	result, err := e.attempt(ctx, cfg, client, turn)
	if err != nil {
		listener.OnError(err)
		return
	}

	// Tool-call continuation: feed executor output back until the model
	// produces a final answer or the round cap is hit.
	for round := 0; len(result.ToolCalls) > 0; round++ {
		if round >= cfg.ToolLoopCap {
			listener.OnError(fmt.Errorf("%w: %d rounds", provider.ErrToolLoopExceeded, round))
			return
		}
		cont := *turn
		cont.Message = ""
		cont.ToolResults = e.executeTools(ctx, result.ToolCalls)
		result, err = e.attempt(ctx, cfg, client, &cont)
		if err != nil {
			listener.OnError(err)
			return
		}
	}

	finalText := provider.ComposeFinalText(result.Text, result.Thinking)
	actions, suggestions := provider.ExtractActions(result.Text)
	listener.OnActionsProcessed(result.RawPayload, finalText, suggestions, actions, turn.Model.Name)
}

// attempt runs the bounded request loop for one logical request.
func (e *Engine) attempt(ctx context.Context, cfg Config, client provider.Client, turn *provider.Turn) (*provider.Result, error) {
	var lastErr error
	for i := 0; i < cfg.MaxAttempts; i++ {
		if i > 0 {
			if err := e.sleep(ctx, backoff(i)); err != nil {
				return nil, err
			}
		}

		result, err := client.SendMessage(ctx, turn)
		if err == nil {
			if result.Empty() {
				lastErr = provider.ErrEmptyStream
				e.log.Warn().Str("provider", client.Name()).
					Str("raw", result.RawPayload).
					Int("attempt", i+1).Msg("empty stream")
				continue
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, provider.ErrAuthUnavailable) {
			// credential acquisition is a hard failure, never retried
			break
		}
		if provider.Refreshable(err) {
			refresher, ok := client.(provider.Refresher)
			if !ok || i > 0 {
				// no refreshable credential, or the refreshed retry
				// failed too: surface directly
				break
			}
			e.log.Info().Str("provider", client.Name()).Err(err).
				Msg("authorization failure, refreshing credential")
			if rerr := refresher.RefreshCredential(ctx); rerr != nil {
				return nil, rerr
			}
			continue
		}
		e.log.Warn().Str("provider", client.Name()).Err(err).
			Int("attempt", i+1).Msg("request failed")
	}
	return nil, lastErr
}

func (e *Engine) executeTools(ctx context.Context, calls []provider.ToolCall) []provider.ToolResult {
	results := make([]provider.ToolResult, 0, len(calls))
	for _, call := range calls {
		var res tools.Result
		if e.executor == nil {
			res = tools.Result{OK: false, Error: "tool execution not available"}
		} else {
			res = e.executor.Execute(ctx, call.Name, call.Args)
		}
		results = append(results, provider.ToolResult{Name: call.Name, Output: res.Map()})
	}
	return results
}

// backoff doubles from the base per extra attempt, capped.
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
