// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// relaychat is an interactive terminal chat over the multi-provider
// streaming core. It wires config, storage, and the relay engine, and
// renders throttled partial text as it streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/jeranaias/relaychat/internal/config"
	"github.com/jeranaias/relaychat/internal/logx"
	"github.com/jeranaias/relaychat/internal/model"
	"github.com/jeranaias/relaychat/internal/provider"
	"github.com/jeranaias/relaychat/internal/providers/cloudflare"
	"github.com/jeranaias/relaychat/internal/providers/geminiweb"
	"github.com/jeranaias/relaychat/internal/providers/kimi"
	"github.com/jeranaias/relaychat/internal/providers/pollinations"
	"github.com/jeranaias/relaychat/internal/providers/qwen"
	"github.com/jeranaias/relaychat/internal/providers/yqcloud"
	"github.com/jeranaias/relaychat/internal/providers/zhipu"
	"github.com/jeranaias/relaychat/internal/relay"
	"github.com/jeranaias/relaychat/internal/session"
	"github.com/jeranaias/relaychat/internal/state"
	"github.com/jeranaias/relaychat/internal/storage"
	"github.com/jeranaias/relaychat/internal/tools"
)

var (
	styleModel    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	styleThinking = lipgloss.NewStyle().Faint(true).Italic(true)
	styleErr      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleInfo     = lipgloss.NewStyle().Faint(true)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, styleErr.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "config file path")
		providerName = flag.String("provider", "", "provider to chat with")
		modelID      = flag.String("model", "", "model id")
		authGemini   = flag.Bool("auth-gemini", false, "store Gemini session cookies and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logx.New(os.Stderr, cfg.Log.Level, true)

	secrets, err := session.OpenSecretStore(cfg.SecretsDir())
	if err != nil {
		return err
	}
	if *authGemini {
		return storeGeminiCookies(secrets)
	}

	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := buildEngine(cfg, secrets, log)
	if err != nil {
		return err
	}

	// pick up retry tuning edits without a restart
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := config.Watch(ctx, *configPath, log, func(next *config.Config) {
			engine.SetConfig(relay.Config{
				MaxAttempts: next.Retry.MaxAttempts,
				ToolLoopCap: next.Retry.ToolLoopCap,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	prov := cfg.DefaultProvider
	if *providerName != "" {
		prov = *providerName
	}
	if _, ok := engine.Client(prov); !ok {
		return fmt.Errorf("unknown provider %q (available: %s)", prov, strings.Join(engine.Providers(), ", "))
	}
	m, ok := pickModel(prov, firstNonEmpty(*modelID, cfg.DefaultModel))
	if !ok {
		return fmt.Errorf("no model for provider %q", prov)
	}

	return repl(cfg, engine, store, prov, m, log)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func pickModel(prov, id string) (model.Info, bool) {
	if id == "" {
		return model.Default(prov)
	}
	if m, ok := model.Get(id); ok && m.Provider == prov {
		return m, true
	}
	// allow live-catalog ids that are not in the built-in table
	return model.Info{ID: id, Name: id, Provider: prov}, true
}

func buildEngine(cfg *config.Config, secrets *session.SecretStore, log zerolog.Logger) (*relay.Engine, error) {
	wd, _ := os.Getwd()
	executor := tools.NewProjectRegistry(wd, log)
	engine := relay.New(relay.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		ToolLoopCap: cfg.Retry.ToolLoopCap,
	}, executor, log)

	emit := cfg.EmitConfig()
	timeout := cfg.ReadTimeout()

	if pc := cfg.Provider(model.ProviderQwen); !pc.Disabled {
		engine.Register(qwen.New(qwen.Config{
			BaseURL: pc.BaseURL, BootstrapURL: pc.BootstrapURL,
			Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderKimi); !pc.Disabled {
		engine.Register(kimi.New(kimi.Config{
			BaseURL: pc.BaseURL, Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderZhipu); !pc.Disabled {
		engine.Register(zhipu.New(zhipu.Config{
			BaseURL: pc.BaseURL, Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderYqcloud); !pc.Disabled {
		engine.Register(yqcloud.New(yqcloud.Config{
			Endpoint: pc.Endpoint, System: pc.System,
			Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderCloudflare); !pc.Disabled {
		engine.Register(cloudflare.New(cloudflare.Config{
			Endpoint: pc.Endpoint, MaxTokens: pc.MaxTokens,
			Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderPollinations); !pc.Disabled {
		engine.Register(pollinations.New(pollinations.Config{
			Endpoint: pc.Endpoint, Referrer: pc.Referrer,
			Emit: emit, ReadTimeout: timeout,
		}, log))
	}
	if pc := cfg.Provider(model.ProviderGemini); !pc.Disabled {
		psid, psidts := pc.PSID, pc.PSIDTS
		if psid == "" {
			psid, _ = secrets.Load("gemini_psid")
			psidts, _ = secrets.Load("gemini_psidts")
		}
		if psid != "" {
			engine.Register(geminiweb.New(geminiweb.Config{
				BaseURL: pc.BaseURL, PSID: psid, PSIDTS: psidts,
				Emit: emit, ReadTimeout: timeout,
			}, log))
		}
	}
	return engine, nil
}

func storeGeminiCookies(secrets *session.SecretStore) error {
	fmt.Print("__Secure-1PSID: ")
	psid, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Print("__Secure-1PSIDTS: ")
	psidts, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return err
	}
	if err := secrets.Save("gemini_psid", string(psid)); err != nil {
		return err
	}
	if err := secrets.Save("gemini_psidts", string(psidts)); err != nil {
		return err
	}
	fmt.Println(styleInfo.Render("Gemini cookies stored."))
	return nil
}

// =============================================================================
// REPL
// =============================================================================

func repl(cfg *config.Config, engine *relay.Engine, store *storage.Store, prov string, m model.Info, log zerolog.Logger) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	conv, err := store.Create("New Chat", prov, m.ID)
	if err != nil {
		return err
	}
	convState := &state.Conversation{}

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	fmt.Printf("%s %s\n", styleInfo.Render("chatting with"), styleModel.Render(m.Name))
	fmt.Println(styleInfo.Render("commands: /new /models /model <id> /quit"))

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			return nil // ctrl-c / ctrl-d
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch {
		case input == "/quit":
			return nil
		case input == "/new":
			conv, err = store.Create("New Chat", prov, m.ID)
			if err != nil {
				return err
			}
			convState = &state.Conversation{}
			fmt.Println(styleInfo.Render("started a new conversation"))
			continue
		case input == "/models":
			client, _ := engine.Client(prov)
			for _, info := range client.FetchModels(context.Background()) {
				fmt.Printf("  %s  %s\n", styleModel.Render(info.ID), styleInfo.Render(info.Description))
			}
			continue
		case strings.HasPrefix(input, "/model "):
			id := strings.TrimSpace(strings.TrimPrefix(input, "/model "))
			if next, ok := pickModel(prov, id); ok {
				m = next
				fmt.Printf("%s %s\n", styleInfo.Render("switched to"), styleModel.Render(m.Name))
			}
			continue
		}

		history, err := store.Messages(conv.ID)
		if err != nil {
			return err
		}
		l := &cliListener{store: store, convID: conv.ID, renderer: renderer, log: log}
		turn := &provider.Turn{
			Message:  input,
			Model:    m,
			History:  history,
			State:    convState,
			Options:  provider.Options{Thinking: true, WebSearch: false},
			Listener: l,
		}
		engine.Send(context.Background(), turn)
		if l.finalText != "" {
			store.AppendMessage(conv.ID, state.NewUserMessage(input))
			store.AppendMessage(conv.ID, state.NewAssistantMessage(l.finalText))
		}
	}
}

// cliListener renders streaming callbacks to the terminal and persists
// conversation state as it changes.
type cliListener struct {
	mu          sync.Mutex
	store       *storage.Store
	convID      string
	renderer    *glamour.TermRenderer
	log         zerolog.Logger
	printed     int
	finalText   string
	sawThinking bool
}

func (l *cliListener) OnRequestStarted() {}

func (l *cliListener) OnRequestCompleted() {
	fmt.Println()
}

func (l *cliListener) OnStreamUpdate(partial string, isThinking bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if isThinking {
		if !l.sawThinking {
			l.sawThinking = true
			fmt.Println(styleThinking.Render("thinking..."))
		}
		return
	}
	if len(partial) > l.printed {
		fmt.Print(partial[l.printed:])
		l.printed = len(partial)
	}
}

func (l *cliListener) OnActionsProcessed(_ string, finalText string, suggestions []string, actions []provider.FileAction, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalText = finalText
	fmt.Println()
	if l.renderer != nil {
		if out, err := l.renderer.Render(finalText); err == nil {
			fmt.Print(out)
		}
	}
	for _, a := range actions {
		fmt.Println(styleInfo.Render(fmt.Sprintf("proposed %s: %s", a.Type, a.Path)))
	}
	for _, s := range suggestions {
		fmt.Println(styleInfo.Render("suggestion: " + s))
	}
}

func (l *cliListener) OnError(err error) {
	fmt.Println()
	fmt.Println(styleErr.Render("error: " + err.Error()))
}

func (l *cliListener) OnConversationStateUpdated(st *state.Conversation) {
	if err := l.store.SaveState(l.convID, st); err != nil {
		l.log.Warn().Err(err).Msg("persist conversation state failed")
	}
}
