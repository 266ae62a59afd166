// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package geminiweb implements the cookie-session provider. Authorization
// rides on two browser cookies; each request additionally needs a short-lived
// access token scraped from the web app page. Responses are positional JSON
// arrays rather than event streams, and conversation continuity is a
// [cid, rid, rcid] triple threaded through every request.
package geminiweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	json "github.com/goccy/go-json"

	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/session"
	"github.com/jeranaias/relaychat/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL is the web app origin.
	DefaultBaseURL = "https://gemini.google.com"
	// DefaultRotateURL refreshes the secondary session cookie.
	DefaultRotateURL = "https://accounts.google.com/RotateCookies"

	initPath   = "/app"
	streamPath = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
)

// State keys for the continuation triple.
const (
	extraCID  = "gemini_cid"
	extraRID  = "gemini_rid"
	extraRCID = "gemini_rcid"
)

var accessTokenPattern = regexp.MustCompile(`"SNlM0e":"(.*?)"`)

// modelHeaders maps model ids to the opaque routing header the web app
// sends for each one.
var modelHeaders = map[string]string{
	"gemini-2.5-flash": `[1,null,null,null,"2525e3954d185b3c"]`,
	"gemini-2.5-pro":   `[1,null,null,null,"2525e3954d185b3c",null,null,0]`,
}

// Config holds client settings. PSID and PSIDTS are the session cookies;
// they are required.
type Config struct {
	BaseURL     string
	RotateURL   string
	PSID        string
	PSIDTS      string
	Emit        stream.Config
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RotateURL == "" {
		c.RotateURL = DefaultRotateURL
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = provider.ReadTimeout
	}
	return c
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the cookie-session provider.
type Client struct {
	cfg    Config
	creds  *session.CredentialManager
	unary  *http.Client
	stream *http.Client
	log    zerolog.Logger

	// cookieMu guards cfg.PSIDTS, which rotateCookies rewrites while
	// in-flight requests build their Cookie headers.
	cookieMu sync.Mutex
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		unary:  provider.UnaryClient,
		stream: provider.StreamClient,
		log:    log.With().Str("provider", model.ProviderGemini).Logger(),
	}
	c.creds = session.NewCredentialManager(c.fetchAccessToken, log)
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return model.ProviderGemini }

// RefreshCredential implements provider.Refresher: rotate the secondary
// cookie, then scrape a fresh access token.
func (c *Client) RefreshCredential(ctx context.Context) error {
	if err := c.rotateCookies(ctx); err != nil {
		c.log.Debug().Err(err).Msg("cookie rotation failed, continuing with current cookies")
	}
	_, err := c.creds.Ensure(ctx, true)
	return err
}

// FetchModels implements provider.Client. The web app serves a fixed trio.
func (c *Client) FetchModels(_ context.Context) []model.Info {
	return model.ByProvider(model.ProviderGemini)
}

// =============================================================================
// AUTH
// =============================================================================

func (c *Client) cookieHeader() string {
	c.cookieMu.Lock()
	defer c.cookieMu.Unlock()
	return fmt.Sprintf("__Secure-1PSID=%s; __Secure-1PSIDTS=%s", c.cfg.PSID, c.cfg.PSIDTS)
}

func (c *Client) fetchAccessToken(ctx context.Context) (string, error) {
	if c.cfg.PSID == "" {
		return "", fmt.Errorf("session cookies not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+initPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cookie", c.cookieHeader())
	resp, err := c.unary.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch app page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("app page status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	m := accessTokenPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("access token not present in app page")
	}
	return string(m[1]), nil
}

func (c *Client) rotateCookies(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RotateURL,
		strings.NewReader(`[000,"-0000000000000000000"]`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", c.cookieHeader())
	resp, err := c.unary.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	for _, ck := range resp.Cookies() {
		if ck.Name == "__Secure-1PSIDTS" && ck.Value != "" {
			c.cookieMu.Lock()
			c.cfg.PSIDTS = ck.Value
			c.cookieMu.Unlock()
		}
	}
	return nil
}

// =============================================================================
// SEND MESSAGE
// =============================================================================

// SendMessage implements provider.Client. The whole response arrives as one
// framed body; decoded text is still fed through the throttle so the
// consumer sees the same callback cadence as the streaming providers.
func (c *Client) SendMessage(ctx context.Context, turn *provider.Turn) (*provider.Result, error) {
	cred, err := c.creds.Ensure(ctx, false)
	if err != nil {
		return nil, err
	}

	freq, err := buildEnvelope(turn)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("f.req", freq)
	form.Set("at", cred.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+streamPath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Cookie", c.cookieHeader())
	if h, ok := modelHeaders[turn.Model.ID]; ok {
		req.Header.Set("x-goog-ext-525001261-jspb", h)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeConnection, "generate request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, provider.StatusError(resp.StatusCode, string(raw))
	}

	body, err := io.ReadAll(io.LimitReader(stream.NewIdleTimeoutBody(resp.Body, c.cfg.ReadTimeout), 16<<20))
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeConnection, "read response failed", err)
	}
	reply, err := parseReply(body)
	if err != nil {
		// a stale access token yields an unparseable framing body; let
		// the orchestrator refresh the credential and retry once
		return nil, fmt.Errorf("%w: %v", provider.ErrAuthFailed, err)
	}

	if reply.cid != "" {
		turn.State.ConversationID = reply.cid
		turn.State.SetExtra(extraCID, reply.cid)
	}
	if reply.rid != "" {
		turn.State.LastParentID = reply.rid
		turn.State.SetExtra(extraRID, reply.rid)
	}
	if reply.rcid != "" {
		turn.State.SetExtra(extraRCID, reply.rcid)
	}
	turn.Listener.OnConversationStateUpdated(turn.State.Clone())

	sink := stream.NewSink(c.cfg.Emit, turn.Listener.OnStreamUpdate)
	sink.Thinking.Append(reply.thoughts)
	sink.Answer.Append(reply.text)
	sink.FlushAll()

	return &provider.Result{
		RawPayload: reply.raw,
		Text:       reply.text,
		Thinking:   reply.thoughts,
	}, nil
}

// buildEnvelope produces the f.req form value: a two-element array whose
// second element is the serialized inner request carrying the prompt and
// the continuation triple.
func buildEnvelope(turn *provider.Turn) (string, error) {
	inner := `[[""],null,[null,null,null]]`
	inner, err := sjson.Set(inner, "0.0", turn.Message)
	if err != nil {
		return "", err
	}
	if cid := turn.State.GetExtra(extraCID); cid != "" {
		inner, _ = sjson.Set(inner, "2.0", cid)
		inner, _ = sjson.Set(inner, "2.1", turn.State.GetExtra(extraRID))
		inner, _ = sjson.Set(inner, "2.2", turn.State.GetExtra(extraRCID))
	}
	outer, err := json.Marshal([]any{nil, inner})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

// =============================================================================
// RESPONSE PARSE
// =============================================================================

type reply struct {
	raw      string
	text     string
	thoughts string
	cid      string
	rid      string
	rcid     string
}

// parseReply walks the framed response: an anti-hijacking prefix, then
// length-prefixed JSON array lines. The payload is the part whose third
// element is itself a JSON document containing the candidate list.
func parseReply(body []byte) (*reply, error) {
	text := string(body)
	var payload gjson.Result
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[[") && !strings.HasPrefix(line, "[") {
			continue
		}
		parsed := gjson.Parse(line)
		if !parsed.IsArray() {
			continue
		}
		found := false
		parsed.ForEach(func(_, part gjson.Result) bool {
			inner := part.Get("2")
			if inner.Type != gjson.String {
				return true
			}
			doc := gjson.Parse(inner.String())
			if doc.Get("4").Exists() {
				payload = doc
				found = true
				return false
			}
			return true
		})
		if found {
			break
		}
	}
	if !payload.Exists() {
		return nil, fmt.Errorf("no candidate payload in response")
	}

	r := &reply{raw: payload.Raw}
	r.cid = payload.Get("1.0").String()
	r.rid = payload.Get("1.1").String()
	cand := payload.Get("4.0")
	if !cand.Exists() {
		return nil, fmt.Errorf("empty candidate list")
	}
	r.rcid = cand.Get("0").String()
	r.text = cand.Get("1.0").String()
	r.thoughts = cand.Get("37.0.0").String()
	return r, nil
}
