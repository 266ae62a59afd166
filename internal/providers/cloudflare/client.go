// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloudflare implements the playground inference provider. Messages
// carry a parts-shaped body, and the response streams lines where a "0:"
// prefix marks a content chunk and "e:"/"d:" mark end-of-turn bookkeeping.
package cloudflare

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/state"
	"github.com/jeranaias/relaychat/internal/stream"
)

// DefaultEndpoint is the playground inference endpoint.
const DefaultEndpoint = "https://playground.ai.cloudflare.com/api/inference"

const systemMessage = "You are a helpful assistant"

// Config holds client settings. Zero values select the defaults.
type Config struct {
	Endpoint    string
	MaxTokens   int
	Emit        stream.Config
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// Client talks to the playground provider.
type Client struct {
	cfg    Config
	stream *http.Client
	log    zerolog.Logger
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		stream: provider.StreamClient,
		log:    log.With().Str("provider", model.ProviderCloudflare).Logger(),
	}
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderCloudflare }

// FetchModels implements provider.Client. The playground catalog is static.
func (c *Client) FetchModels(_ context.Context) []model.Info {
	return model.ByProvider(model.ProviderCloudflare)
}

// SendMessage implements provider.Client.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	messages := make([]map[string]any, 0, len(turn.History)+1)
	for _, m := range turn.History {
		messages = append(messages, partsMessage(m.Role, m.Content))
	}
	messages = append(messages, partsMessage(state.RoleUser, turn.Message))

	payload := map[string]any{
		"messages":       messages,
		"lora":           nil,
		"model":          turn.Model.ID,
		"max_tokens":     c.cfg.MaxTokens,
		"stream":         true,
		"system_message": systemMessage,
		"tools":          []any{},
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeConnection, "inference request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, provider.StatusError(resp.StatusCode, string(raw))
	}

	if !turn.State.Active() {
		turn.State.ConversationID = "local-" + uuid.New().String()
		turn.Listener.OnConversationStateUpdated(turn.State.Clone())
	}

	reader := stream.NewLineReader(stream.NewIdleTimeoutBody(resp.Body, c.cfg.ReadTimeout))
	emitter := stream.NewEmitter(c.cfg.Emit, func(text string) {
		turn.Listener.OnStreamUpdate(text, false)
	})
	for {
		line, err := reader.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			emitter.Flush()
			return nil, provider.NewError(provider.ErrorTypeConnection, "stream read failed", err)
		}
		switch {
		case strings.HasPrefix(line, "0:"):
			emitter.Append(decodeChunk(strings.TrimPrefix(line, "0:")))
		case strings.HasPrefix(line, "e:"), strings.HasPrefix(line, "d:"):
			// end-of-turn bookkeeping, nothing to surface
		}
	}
	emitter.Flush()

	return &provider.Result{Text: emitter.String(), RawPayload: emitter.String()}, nil
}

func partsMessage(role, content string) map[string]any {
	return map[string]any{
		"role":  role,
		"parts": []map[string]string{{"type": "text", "text": content}},
	}
}

// decodeChunk extracts text from a "0:" payload, which is either a bare JSON
// string or an object shaped like {text}, {delta:{content}}, or {content}.
func decodeChunk(payload string) string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ""
	}
	if strings.HasPrefix(payload, `"`) {
		var s string
		if err := json.Unmarshal([]byte(payload), &s); err == nil {
			return s
		}
		return ""
	}
	for _, path := range []string{"text", "delta.content", "content"} {
		if v := gjson.Get(payload, path); v.Exists() {
			return v.String()
		}
	}
	return ""
}
