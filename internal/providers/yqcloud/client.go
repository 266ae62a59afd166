// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package yqcloud implements the keyless raw-line provider. History is
// flattened into a single prompt string and the response streams plain text
// lines rather than event blocks.
package yqcloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/stream"
)

// DefaultEndpoint is the generation endpoint.
const DefaultEndpoint = "https://api.binjie.fun/api/generateStream"

const origin = "https://chat9.yqcloud.top"

// Config holds client settings. Zero values select the defaults.
type Config struct {
	Endpoint    string
	System      string
	Emit        stream.Config
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// Client talks to the raw-line provider.
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
		log:    log.With().Str("provider", model.ProviderYqcloud).Logger(),
	}
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderYqcloud }

// FetchModels implements provider.Client. The endpoint serves one model.
func (c *Client) FetchModels(_ context.Context) []model.Info {
	return model.ByProvider(model.ProviderYqcloud)
}

// SendMessage implements provider.Client.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	var prompt strings.Builder
	for _, m := range turn.History {
		fmt.Fprintf(&prompt, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&prompt, "user: %s", turn.Message)

	payload := map[string]any{
		"prompt":         prompt.String(),
		"userId":         fmt.Sprintf("#/chat/%d", time.Now().UnixMilli()),
		"network":        turn.Options.WebSearch,
		"system":         c.cfg.System,
		"withoutContext": false,
		"stream":         true,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeConnection, "generation request failed", err)
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
		// every line is content; the endpoint sends no framing
		if emitter.Len() > 0 {
			emitter.Append("\n")
		}
		emitter.Append(line)
	}
	emitter.Flush()

	return &provider.Result{Text: emitter.String(), RawPayload: emitter.String()}, nil
}
