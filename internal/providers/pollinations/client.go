// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pollinations implements the keyless OpenAI-compatible provider.
// Standard chat-completions SSE: delta chunks, a message fallback for
// servers that reply non-incrementally, and a [DONE] sentinel.
package pollinations

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/state"
	"github.com/jeranaias/relaychat/internal/stream"
)

// DefaultEndpoint is the chat-completions endpoint.
const DefaultEndpoint = "https://text.pollinations.ai/openai"

// Config holds client settings. Zero values select the defaults.
type Config struct {
	Endpoint    string
	Referrer    string
	Emit        stream.Config
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Referrer == "" {
		c.Referrer = "relaychat"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// Client talks to the OpenAI-compatible provider.
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
		log:    log.With().Str("provider", model.ProviderPollinations).Logger(),
	}
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderPollinations }

// FetchModels implements provider.Client.
func (c *Client) FetchModels(_ context.Context) []model.Info {
	return model.ByProvider(model.ProviderPollinations)
}

// chunk is one decoded SSE payload in the OpenAI chat-completions shape.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// SendMessage implements provider.Client.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	messages := make([]map[string]string, 0, len(turn.History)+1)
	for _, m := range turn.History {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": state.RoleUser, "content": turn.Message})

	payload := map[string]any{
		"model":    turn.Model.ID,
		"messages": messages,
		"stream":   true,
		"seed":     rand.Intn(1_000_000_000),
		"referrer": c.cfg.Referrer,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
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

	if !turn.State.Active() {
		turn.State.ConversationID = "local-" + uuid.New().String()
		turn.Listener.OnConversationStateUpdated(turn.State.Clone())
	}

	reader := stream.NewEventReader(stream.NewIdleTimeoutBody(resp.Body, c.cfg.ReadTimeout))
	emitter := stream.NewEmitter(c.cfg.Emit, func(text string) {
		turn.Listener.OnStreamUpdate(text, false)
	})
	var lastPayload string
	for {
		evt, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			emitter.Flush()
			return nil, provider.NewError(provider.ErrorTypeConnection, "stream read failed", err)
		}
		if evt.Data == "" {
			continue
		}
		if evt.Data == stream.DoneSentinel {
			break
		}
		var ck chunk
		if err := json.Unmarshal([]byte(evt.Data), &ck); err != nil {
			c.log.Debug().Msg("skipping malformed chunk")
			continue
		}
		lastPayload = evt.Data
		for _, choice := range ck.Choices {
			if choice.Delta.Content != "" {
				emitter.Append(choice.Delta.Content)
			} else if choice.Message.Content != "" {
				// non-streaming fallback: whole message in one chunk
				emitter.Append(choice.Message.Content)
			}
		}
	}
	emitter.Flush()

	result := &provider.Result{Text: emitter.String(), RawPayload: lastPayload}
	if result.RawPayload == "" {
		result.RawPayload = result.Text
	}
	return result, nil
}
