// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package qwen implements the rotating-token chat provider. Requests are
// authorized by a short-lived "midtoken" scraped from a bootstrap script,
// conversations need a server-side create before the first turn, and
// responses stream phase-tagged deltas (think / answer / web_search).
package qwen

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
	"github.com/jeranaias/relaychat/internal/stream"
	"github.com/jeranaias/relaychat/internal/tools"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL is the chat API root.
	DefaultBaseURL = "https://chat.qwen.ai/api/v2"
	// DefaultBootstrapURL serves the script carrying the embedded midtoken.
	DefaultBootstrapURL = "https://sg-wum.alibaba.com/w/wu.json"

	bxVersion      = "2.5.31"
	thinkingBudget = 38912
	searchVersion  = "v2"
)

// midtokenPattern extracts the token from either callback form the
// bootstrap script is served in.
var midtokenPattern = regexp.MustCompile(`(?:umx\.wu|__fycb)\('([^']+)'\)`)

// =============================================================================
// CLIENT
// =============================================================================

// Config holds client settings. Zero values select the defaults.
type Config struct {
	BaseURL      string
	BootstrapURL string
	Emit         stream.Config
	ReadTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.BootstrapURL == "" {
		c.BootstrapURL = DefaultBootstrapURL
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// Client talks to the rotating-token provider.
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
		log:    log.With().Str("provider", model.ProviderQwen).Logger(),
	}
	c.creds = session.NewCredentialManager(c.fetchMidToken, log)
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderQwen }

// RefreshCredential implements provider.Refresher.
func (c *Client) RefreshCredential(ctx context.Context) error {
	_, err := c.creds.Ensure(ctx, true)
	return err
}

// =============================================================================
// CREDENTIAL ACQUISITION
// =============================================================================

func (c *Client) fetchMidToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BootstrapURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch bootstrap script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bootstrap script status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	m := midtokenPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("midtoken not present in bootstrap script")
	}
	return string(m[1]), nil
}

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

func (c *Client) setHeaders(req *http.Request, token, conversationID, sessionCookie string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer")
	req.Header.Set("bx-umidtoken", token)
	req.Header.Set("bx-v", bxVersion)
	req.Header.Set("Origin", "https://chat.qwen.ai")
	if conversationID != "" {
		req.Header.Set("Referer", "https://chat.qwen.ai/c/"+conversationID)
	} else {
		req.Header.Set("Referer", "https://chat.qwen.ai/")
	}
	if sessionCookie != "" {
		req.Header.Set("Cookie", sessionCookie)
	}
}

// =============================================================================
// MODEL CATALOG
// =============================================================================

// FetchModels queries the live catalog and parses capability metadata.
// Degrades to the built-in list on any failure.
func (c *Client) FetchModels(ctx context.Context) []model.Info {
	fallback := model.ByProvider(model.ProviderQwen)
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		c.log.Warn().Err(err).Msg("model list unavailable, using built-ins")
		return fallback
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fallback
	}
	c.setHeaders(req, cred.Token, "", "")
	resp, err := c.unary.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("model list fetch failed, using built-ins")
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fallback
	}
	models := parseModelList(body)
	if len(models) == 0 {
		return fallback
	}
	return models
}

func parseModelList(body []byte) []model.Info {
	var out []model.Info
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		caps := m.Get("info.meta.capabilities")
		info := model.Info{
			ID:       id,
			Name:     firstNonEmpty(m.Get("name").String(), id),
			Provider: model.ProviderQwen,
			Capabilities: model.Capabilities{
				Thinking:       caps.Get("thinking").Bool(),
				Vision:         caps.Get("vision").Bool(),
				Document:       caps.Get("document").Bool(),
				Video:          caps.Get("video").Bool(),
				Audio:          caps.Get("audio").Bool(),
				Citations:      caps.Get("citations").Bool(),
				ThinkingBudget: caps.Get("thinking_budget").Bool(),
			},
			MaxContext:    int(m.Get("info.meta.max_context_length").Int()),
			MaxGeneration: int(m.Get("info.meta.max_generation_length").Int()),
			SingleRound:   m.Get("info.meta.is_single_round").Bool(),
			Description:   m.Get("info.meta.description").String(),
		}
		m.Get("info.meta.chat_type").ForEach(func(_, t gjson.Result) bool {
			if t.String() == "search" {
				info.Capabilities.WebSearch = true
			}
			return true
		})
		if m.Get("info.meta.mcp").Exists() {
			info.Capabilities.MCPTools = len(m.Get("info.meta.mcp").Array()) > 0
		}
		out = append(out, info)
		return true
	})
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// =============================================================================
// CONVERSATION BOOTSTRAP
// =============================================================================

func chatType(webSearch bool) string {
	if webSearch {
		return "search"
	}
	return "t2t"
}

func (c *Client) createConversation(ctx context.Context, token string, turn *provider.Turn) (string, error) {
	payload := map[string]any{
		"title":     "New Chat",
		"models":    []string{turn.Model.ID},
		"chat_mode": "normal",
		"chat_type": chatType(turn.Options.WebSearch),
		"timestamp": time.Now().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chats/new", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req, token, "", turn.State.SessionCookie)
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", provider.StatusError(resp.StatusCode, string(raw))
	}
	if !gjson.GetBytes(raw, "success").Bool() {
		return "", provider.NewError(provider.ErrorTypeProtocol, "conversation create rejected", fmt.Errorf("%s", raw))
	}
	id := gjson.GetBytes(raw, "data.id").String()
	if id == "" {
		return "", provider.NewError(provider.ErrorTypeProtocol, "conversation create returned no id", nil)
	}
	return id, nil
}

// =============================================================================
// SEND MESSAGE
// =============================================================================

// SendMessage implements provider.Client. When turn.ToolResults is set the
// user message carries a tool_result envelope addressed to the same
// conversation and parent, resuming the interrupted model turn.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		return nil, err
	}

	if !turn.State.Active() {
		id, err := c.createConversation(ctx, cred.Token, turn)
		if err != nil {
			return nil, err
		}
		turn.State.ConversationID = id
		turn.Listener.OnConversationStateUpdated(turn.State.Clone())
	}

	body, err := c.buildCompletionBody(turn)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions?chat_id=%s", c.cfg.BaseURL, turn.State.ConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, cred.Token, turn.State.ConversationID, turn.State.SessionCookie)
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
	if cookie := resp.Header.Get("Set-Cookie"); cookie != "" && turn.State.SessionCookie == "" {
		// Pin follow-up turns to the worker that owns this conversation.
		turn.State.SessionCookie = strings.SplitN(cookie, ";", 2)[0]
		turn.Listener.OnConversationStateUpdated(turn.State.Clone())
	}

	return c.processStream(resp.Body, turn)
}

func (c *Client) buildCompletionBody(turn *provider.Turn) ([]byte, error) {
	content := turn.Message
	if len(turn.ToolResults) > 0 {
		env, err := json.Marshal(map[string]any{
			"action":  "tool_result",
			"results": turn.ToolResults,
		})
		if err != nil {
			return nil, err
		}
		content = "```json\n" + string(env) + "\n```"
	}

	thinking := turn.Options.Thinking && turn.Model.Capabilities.Thinking
	msg := map[string]any{
		"role":        "user",
		"content":     content,
		"user_action": "chat",
		"files":       []any{},
		"models":      []string{turn.Model.ID},
		"chat_type":   chatType(turn.Options.WebSearch && turn.Model.Capabilities.WebSearch),
		"feature_config": map[string]any{
			"thinking_enabled": thinking,
			"output_schema":    "phase",
			"thinking_budget":  thinkingBudget,
			"search_version":   searchVersion,
		},
		"fid":         uuid.New().String(),
		"childrenIds": []any{},
	}
	if turn.State.LastParentID != "" {
		msg["parentId"] = turn.State.LastParentID
	}

	specs := tools.BuiltinSpecs(turn.Options.EnabledTools)
	var messages []any
	if turn.State.LastParentID == "" {
		// first turn of the conversation carries the system prompt, which
		// teaches the tool_call envelope when tools are advertised
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": provider.SystemPrompt(specNames(specs)),
		})
	}
	messages = append(messages, msg)

	payload := map[string]any{
		"stream":             true,
		"incremental_output": true,
		"chat_id":            turn.State.ConversationID,
		"chat_mode":          "normal",
		"model":              turn.Model.ID,
		"messages":           messages,
		"timestamp":          time.Now().UnixMilli(),
	}
	if turn.State.LastParentID != "" {
		payload["parent_id"] = turn.State.LastParentID
	}
	if len(specs) > 0 {
		payload["tools"] = toolArray(specs)
		payload["tool_choice"] = map[string]string{"type": "auto"}
	}
	return json.Marshal(payload)
}

func specNames(specs []tools.Spec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

// toolArray serializes specs into the OpenAI-compatible function-tool shape
// the completion endpoint expects.
func toolArray(specs []tools.Spec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return out
}

// =============================================================================
// STREAM PROCESSING
// =============================================================================

type deltaEvent struct {
	ResponseCreated *struct {
		ChatID     string `json:"chat_id"`
		ResponseID string `json:"response_id"`
	} `json:"response.created"`
	Choices []struct {
		Delta struct {
			Status  string `json:"status"`
			Content string `json:"content"`
			Phase   string `json:"phase"`
			Extra   struct {
				WebSearchInfo []struct {
					Title string `json:"title"`
					URL   string `json:"url"`
				} `json:"web_search_info"`
			} `json:"extra"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *Client) processStream(body io.ReadCloser, turn *provider.Turn) (*provider.Result, error) {
	reader := stream.NewEventReader(stream.NewIdleTimeoutBody(body, c.cfg.ReadTimeout))
	sink := stream.NewSink(c.cfg.Emit, turn.Listener.OnStreamUpdate)

	result := &provider.Result{}
	finished := false
	for !finished {
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
		var delta deltaEvent
		if err := json.Unmarshal([]byte(evt.Data), &delta); err != nil {
			c.log.Debug().Str("payload", truncate(evt.Data, 120)).Msg("skipping malformed event")
			continue
		}
		if delta.ResponseCreated != nil {
			if id := delta.ResponseCreated.ChatID; id != "" {
				turn.State.ConversationID = id
			}
			if rid := delta.ResponseCreated.ResponseID; rid != "" {
				turn.State.LastParentID = rid
			}
			turn.Listener.OnConversationStateUpdated(turn.State.Clone())
			continue
		}
		for _, choice := range delta.Choices {
			d := choice.Delta
			switch d.Phase {
			case "think":
				sink.Thinking.Append(d.Content)
			case "web_search":
				for _, s := range d.Extra.WebSearchInfo {
					result.Sources = append(result.Sources, provider.Source{Title: s.Title, URL: s.URL})
				}
			default:
				sink.Answer.Append(d.Content)
			}
			if d.Status == "finished" {
				result.RawPayload = evt.Data
				finished = true
			}
		}
	}
	sink.FlushAll()

	result.Text = sink.Answer.String()
	result.Thinking = sink.Thinking.String()
	if result.RawPayload == "" {
		result.RawPayload = result.Text
	}
	if calls := parseToolCalls(result.Text); len(calls) > 0 {
		result.ToolCalls = calls
		result.Text = ""
	}
	return result, nil
}

// parseToolCalls recognizes a tool_call envelope in the accumulated answer,
// fenced or bare.
func parseToolCalls(text string) []provider.ToolCall {
	body := strings.TrimSpace(text)
	if m := fencedBlock.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	if !strings.HasPrefix(body, "{") {
		return nil
	}
	var env struct {
		Action    string              `json:"action"`
		ToolCalls []provider.ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil
	}
	if env.Action != "tool_call" {
		return nil
	}
	return env.ToolCalls
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
