// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kimi implements the device-registration chat provider. A device
// register call issues the access token, each conversation is created
// server-side before its first turn, and completions stream named events
// (cmpl / all_done / rename).
package kimi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/session"
	"github.com/jeranaias/relaychat/internal/stream"
)

// DefaultBaseURL is the chat service root.
const DefaultBaseURL = "https://www.kimi.com"

const defaultModel = "k2"

// Config holds client settings. Zero values select the defaults.
type Config struct {
	BaseURL     string
	Emit        stream.Config
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// Client talks to the device-registration provider.
type Client struct {
	cfg      Config
	deviceID string
	creds    *session.CredentialManager
	unary    *http.Client
	stream   *http.Client
	log      zerolog.Logger
}

// New creates a Client with a fresh random device identity.
func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		cfg:      cfg.withDefaults(),
		deviceID: uuid.New().String(),
		unary:    provider.UnaryClient,
		stream:   provider.StreamClient,
		log:      log.With().Str("provider", model.ProviderKimi).Logger(),
	}
	c.creds = session.NewCredentialManager(c.registerDevice, log)
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderKimi }

// RefreshCredential implements provider.Refresher.
func (c *Client) RefreshCredential(ctx context.Context) error {
	_, err := c.creds.Ensure(ctx, true)
	return err
}

// FetchModels implements provider.Client. The catalog is static.
func (c *Client) FetchModels(_ context.Context) []model.Info {
	return model.ByProvider(model.ProviderKimi)
}

// =============================================================================
// DEVICE REGISTRATION
// =============================================================================

func (c *Client) registerDevice(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/device/register", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-msh-device-id", c.deviceID)
	req.Header.Set("x-msh-platform", "web")
	req.Header.Set("x-traffic-id", c.deviceID)
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("device register: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device register status %d", resp.StatusCode)
	}
	token := gjson.GetBytes(raw, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("device register returned no access token")
	}
	return token, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-msh-device-id", c.deviceID)
	req.Header.Set("x-msh-platform", "web")
	req.Header.Set("x-traffic-id", c.deviceID)
}

// =============================================================================
// CONVERSATION BOOTSTRAP
// =============================================================================

func (c *Client) createChat(ctx context.Context, token string) (string, error) {
	payload := map[string]any{
		"name":        "Untitled Conversation",
		"born_from":   "home",
		"kimiplus_id": "kimi",
		"is_example":  false,
		"source":      "web",
		"tags":        []any{},
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req, token)
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", provider.StatusError(resp.StatusCode, string(raw))
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return "", provider.NewError(provider.ErrorTypeProtocol, "chat create returned no id", nil)
	}
	return id, nil
}

// =============================================================================
// SEND MESSAGE
// =============================================================================

// SendMessage implements provider.Client.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		return nil, err
	}

	if !turn.State.Active() {
		id, err := c.createChat(ctx, cred.Token)
		if err != nil {
			return nil, err
		}
		turn.State.ConversationID = id
		turn.Listener.OnConversationStateUpdated(turn.State.Clone())
	}

	modelID := turn.Model.ID
	if modelID == "" {
		modelID = defaultModel
	}
	payload := map[string]any{
		"model":      modelID,
		"use_search": turn.Options.WebSearch && turn.Model.Capabilities.WebSearch,
		"messages":   []map[string]string{{"role": "user", "content": turn.Message}},
		"refs":       []any{},
	}
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/api/chat/%s/completion/stream", c.cfg.BaseURL, turn.State.ConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, cred.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeConnection, "completion request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, provider.StatusError(resp.StatusCode, string(raw))
	}

	return c.processStream(resp.Body, turn)
}

func (c *Client) processStream(body io.ReadCloser, turn *provider.Turn) (*provider.Result, error) {
	reader := stream.NewEventReader(stream.NewIdleTimeoutBody(body, c.cfg.ReadTimeout))
	emitter := stream.NewEmitter(c.cfg.Emit, func(text string) {
		turn.Listener.OnStreamUpdate(text, false)
	})

	result := &provider.Result{}
	done := false
	for !done {
		evt, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			emitter.Flush()
			return nil, provider.NewError(provider.ErrorTypeConnection, "stream read failed", err)
		}
		if evt.Data == "" || evt.Data == stream.DoneSentinel {
			continue
		}
		var msg struct {
			Event string `json:"event"`
			Text  string `json:"text"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &msg); err != nil {
			c.log.Debug().Msg("skipping malformed event")
			continue
		}
		switch msg.Event {
		case "cmpl":
			emitter.Append(msg.Text)
		case "all_done":
			result.RawPayload = evt.Data
			done = true
		case "rename":
			// server-side title update, nothing to surface
		}
	}
	emitter.Flush()

	result.Text = emitter.String()
	if result.RawPayload == "" {
		result.RawPayload = result.Text
	}
	return result, nil
}
