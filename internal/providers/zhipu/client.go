// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package zhipu implements the anonymous-token chat provider. A visitor
// token is issued by the auth endpoint, completions stream phase-tagged
// deltas, and thinking phases may carry HTML markup that is stripped before
// emission.
package zhipu

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/session"
	"github.com/jeranaias/relaychat/internal/state"
	"github.com/jeranaias/relaychat/internal/stream"
)

// DefaultBaseURL is the chat service root.
const DefaultBaseURL = "https://chat.z.ai"

const feVersion = "prod-fe-1.0.57"

var htmlTag = regexp.MustCompile(`<[^>]*>`)

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

// Client talks to the anonymous-token provider.
type Client struct {
	cfg    Config
	creds  *session.CredentialManager
	unary  *http.Client
	stream *http.Client
	log    zerolog.Logger
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		unary:  provider.UnaryClient,
		stream: provider.StreamClient,
		log:    log.With().Str("provider", model.ProviderZhipu).Logger(),
	}
	c.creds = session.NewCredentialManager(c.fetchToken, log)
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderZhipu }

// RefreshCredential implements provider.Refresher.
func (c *Client) RefreshCredential(ctx context.Context) error {
	_, err := c.creds.Ensure(ctx, true)
	return err
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/auths/", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch visitor token: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("visitor token status %d", resp.StatusCode)
	}
	token := gjson.GetBytes(raw, "token").String()
	if token == "" {
		return "", fmt.Errorf("auth endpoint returned no token")
	}
	return token, nil
}

// =============================================================================
// MODEL CATALOG
// =============================================================================

// FetchModels queries the live catalog, degrading to built-ins on failure.
func (c *Client) FetchModels(ctx context.Context) []model.Info {
	fallback := model.ByProvider(model.ProviderZhipu)
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		return fallback
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/models", nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	resp, err := c.unary.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("model list fetch failed, using built-ins")
		return fallback
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return fallback
	}
	var out []model.Info
	gjson.GetBytes(raw, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, model.Info{
			ID:       id,
			Name:     m.Get("name").String(),
			Provider: model.ProviderZhipu,
			Capabilities: model.Capabilities{
				Thinking: true,
			},
		})
		return true
	})
	if len(out) == 0 {
		return fallback
	}
	return out
}

// =============================================================================
// SEND MESSAGE
// =============================================================================

// SendMessage implements provider.Client. History rides in the request body;
// the provider keeps no server-side thread, so a local conversation id marks
// the state ACTIVE after the first turn.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		return nil, err
	}

	messages := make([]map[string]string, 0, len(turn.History)+1)
	for _, m := range turn.History {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": state.RoleUser, "content": turn.Message})

	payload := map[string]any{
		"stream":       true,
		"chat_id":      "local",
		"id":           uuid.New().String(),
		"model":        turn.Model.ID,
		"messages":     messages,
		"params":       map[string]any{},
		"tool_servers": []any{},
		"features": map[string]any{
			"enable_thinking": turn.Options.Thinking && turn.Model.Capabilities.Thinking,
		},
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("x-fe-version", feVersion)
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
	return c.processStream(resp.Body, turn)
}

func (c *Client) processStream(body io.ReadCloser, turn *provider.Turn) (*provider.Result, error) {
	reader := stream.NewEventReader(stream.NewIdleTimeoutBody(body, c.cfg.ReadTimeout))
	sink := stream.NewSink(c.cfg.Emit, turn.Listener.OnStreamUpdate)

	result := &provider.Result{}
	for {
		evt, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.FlushAll()
			return nil, provider.NewError(provider.ErrorTypeConnection, "stream read failed", err)
		}
		if evt.Data == "" || evt.Data == stream.DoneSentinel {
			continue
		}
		var msg struct {
			Type string `json:"type"`
			Data struct {
				Phase        string `json:"phase"`
				DeltaContent string `json:"delta_content"`
				EditContent  string `json:"edit_content"`
				Done         bool   `json:"done"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &msg); err != nil {
			c.log.Debug().Msg("skipping malformed event")
			continue
		}
		if msg.Type != "chat:completion" {
			continue
		}
		target := sink.Answer
		if msg.Data.Phase == "thinking" {
			target = sink.Thinking
		}
		if delta := strip(msg.Data.DeltaContent); delta != "" {
			target.Append(delta)
		} else if edit := strip(msg.Data.EditContent); edit != "" {
			// edit_content carries the full text so far; append only the
			// unseen suffix to keep the buffer monotonic
			if cur := target.String(); len(edit) > len(cur) && strings.HasPrefix(edit, cur) {
				target.Append(edit[len(cur):])
			}
		}
		if msg.Data.Done {
			result.RawPayload = evt.Data
		}
	}
	sink.FlushAll()

	result.Text = sink.Answer.String()
	result.Thinking = sink.Thinking.String()
	if result.RawPayload == "" {
		result.RawPayload = result.Text
	}
	return result, nil
}

func strip(s string) string {
	if s == "" {
		return s
	}
	return htmlTag.ReplaceAllString(s, "")
}
