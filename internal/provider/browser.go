package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/stellarlinkco/nexus/internal/config"
)

const browserName = config.ProviderPuterJS

// chatScript runs inside a blank page once the third-party script is loaded.
// Text extraction happens on the Go side so the whole response is returned.
const chatScript = `async ({prompt, model}) => {
	if (!globalThis.puter || !globalThis.puter.ai || !globalThis.puter.ai.chat) {
		throw new Error('Puter.js failed to initialize or API unavailable');
	}
	return await globalThis.puter.ai.chat(prompt, { model });
}`

// BrowserSession is one isolated browser instance, context and page.
type BrowserSession interface {
	Goto(url string) error
	AddScriptTag(url string) error
	Evaluate(expression string, arg any) (any, error)
	Close() error
}

// BrowserLauncher starts a fresh session for every call.
type BrowserLauncher interface {
	Launch() (BrowserSession, error)
}

// Browser drives a third-party in-page chat API through a headless browser.
// Sessions are never reused between calls.
type Browser struct {
	scriptURL string
	model     string
	timeout   time.Duration
	launcher  BrowserLauncher
	logger    *slog.Logger
}

func NewBrowser(cfg config.ProviderConfig, launcher BrowserLauncher, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		scriptURL: strings.TrimSpace(cfg.PuterScriptURL),
		model:     cfg.Model,
		timeout:   cfg.Timeout(),
		launcher:  launcher,
		logger:    logger,
	}
}

func (b *Browser) Name() string { return browserName }

func (b *Browser) Healthcheck() bool { return b.scriptURL != "" }

// Close releases the shared browser driver, if the launcher owns one.
func (b *Browser) Close() error {
	if c, ok := b.launcher.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *Browser) Generate(ctx context.Context, req Request) (string, error) {
	if b.scriptURL == "" {
		return "", unavailable(browserName, "PUTER_SCRIPT_URL must be set")
	}
	if b.launcher == nil {
		return "", unavailable(browserName, "no browser launcher configured")
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	// Launch and chat both run under the deadline. A session that arrives
	// after the caller gave up is closed by the launching goroutine.
	var (
		mu        sync.Mutex
		sess      BrowserSession
		abandoned bool
	)
	release := func() {
		mu.Lock()
		s := sess
		sess, abandoned = nil, true
		mu.Unlock()
		if s != nil {
			b.closeSession(s)
		}
	}
	defer release()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	prompt := combinePrompt(req.SystemPrompt, req.UserPrompt)

	go func() {
		s, err := b.launcher.Launch()
		if err != nil {
			done <- result{err: fmt.Errorf("launch browser: %w", err)}
			return
		}
		mu.Lock()
		if abandoned {
			mu.Unlock()
			b.closeSession(s)
			return
		}
		sess = s
		mu.Unlock()

		text, err := b.chat(s, prompt)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", &RequestError{Provider: browserName, Err: r.err}
		}
		return r.text, nil
	case <-ctx.Done():
		// closing the session aborts whatever page call is still pending
		release()
		return "", &RequestError{Provider: browserName, Err: ctx.Err()}
	}
}

func (b *Browser) closeSession(s BrowserSession) {
	if err := s.Close(); err != nil {
		b.logger.Warn("provider.browser_close_failed", "err", err)
	}
}

func (b *Browser) chat(sess BrowserSession, prompt string) (string, error) {
	if err := sess.Goto("about:blank"); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := sess.AddScriptTag(b.scriptURL); err != nil {
		return "", fmt.Errorf("inject script: %w", err)
	}
	raw, err := sess.Evaluate(chatScript, map[string]any{
		"prompt": prompt,
		"model":  b.model,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(extractChatText(raw)), nil
}

func combinePrompt(system, user string) string {
	return "SYSTEM INSTRUCTIONS:\n" + system + "\n\nUSER REQUEST:\n" + user
}

// extractChatText prefers message.content[0].text, then a top-level text
// field, and finally falls back to the serialized response.
func extractChatText(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	if obj, ok := raw.(map[string]any); ok {
		if msg, ok := obj["message"].(map[string]any); ok {
			if parts, ok := msg["content"].([]any); ok && len(parts) > 0 {
				if first, ok := parts[0].(map[string]any); ok {
					if text, ok := first["text"].(string); ok && text != "" {
						return text
					}
				}
			}
		}
		if text, ok := obj["text"].(string); ok && text != "" {
			return text
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(data)
}

// PlaywrightLauncher owns the playwright driver process, started on first use
// and shared by all sessions.
type PlaywrightLauncher struct {
	timeout time.Duration

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightLauncher(timeout time.Duration) *PlaywrightLauncher {
	return &PlaywrightLauncher{timeout: timeout}
}

func (l *PlaywrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

func (l *PlaywrightLauncher) Launch() (BrowserSession, error) {
	pw, err := l.driver()
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	bctx, err := browser.NewContext()
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	if l.timeout > 0 {
		page.SetDefaultTimeout(float64(l.timeout.Milliseconds()))
	}
	return &playwrightSession{browser: browser, context: bctx, page: page}, nil
}

func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type playwrightSession struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func (s *playwrightSession) Goto(url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	return err
}

func (s *playwrightSession) AddScriptTag(url string) error {
	_, err := s.page.AddScriptTag(playwright.PageAddScriptTagOptions{
		URL: playwright.String(url),
	})
	return err
}

func (s *playwrightSession) Evaluate(expression string, arg any) (any, error) {
	return s.page.Evaluate(expression, arg)
}

func (s *playwrightSession) Close() error {
	ctxErr := s.context.Close()
	browserErr := s.browser.Close()
	if ctxErr != nil {
		return ctxErr
	}
	return browserErr
}
