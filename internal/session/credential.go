// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages short-lived provider credentials: rotating tokens
// scraped from bootstrap pages, cached process-wide, force-refreshed on
// authorization failure.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/relaychat/internal/provider"
)

// =============================================================================
// CREDENTIAL MANAGER
// =============================================================================

// Credential is an opaque short-lived token with its acquisition time.
type Credential struct {
	Token      string
	AcquiredAt time.Time
}

// FetchFunc performs one acquisition flow: fetch the bootstrap resource and
// extract the embedded token.
type FetchFunc func(ctx context.Context) (string, error)

// CredentialManager supplies a currently-valid credential. Acquisition is
// lazy on first use and forced on demand. Single-writer: the mutex is held
// across the fetch so concurrent callers reuse the in-flight result instead
// of racing the cache.
type CredentialManager struct {
	mu      sync.Mutex
	cred    *Credential
	fetch   FetchFunc
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewCredentialManager creates a manager around fetch. Acquisition attempts
// are rate limited; a provider rejecting us repeatedly must not turn into a
// scrape loop against its bootstrap endpoint.
func NewCredentialManager(fetch FetchFunc, log zerolog.Logger) *CredentialManager {
	return &CredentialManager{
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
		log:     log.With().Str("component", "credentials").Logger(),
	}
}

// Ensure returns the cached credential, or acquires one. With forceRefresh
// the cache is discarded first. Acquisition failure is a hard error for the
// caller, surfaced as authentication-unavailable and never retried here.
func (m *CredentialManager) Ensure(ctx context.Context, forceRefresh bool) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred != nil && !forceRefresh {
		return *m.cred, nil
	}
	if forceRefresh && m.cred != nil {
		m.log.Debug().Msg("forcing credential refresh")
		m.cred = nil
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", provider.ErrAuthUnavailable, err)
	}
	token, err := m.fetch(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", provider.ErrAuthUnavailable, err)
	}
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty token from acquisition flow", provider.ErrAuthUnavailable)
	}

	m.cred = &Credential{Token: token, AcquiredAt: time.Now()}
	m.log.Debug().Time("acquired_at", m.cred.AcquiredAt).Msg("credential acquired")
	return *m.cred, nil
}

// Invalidate drops the cached credential without fetching a new one.
func (m *CredentialManager) Invalidate() {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
}

// Cached returns the cached credential without triggering acquisition.
func (m *CredentialManager) Cached() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}
