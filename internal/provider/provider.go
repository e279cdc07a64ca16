// Package provider turns a (system prompt, user prompt) pair into generated
// text using one of several interchangeable backends. The backend is chosen
// once at construction and never switched afterwards.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stellarlinkco/nexus/internal/config"
)

// ErrUnavailable reports a backend that cannot serve requests because required
// configuration is missing. It is returned before any network call is made.
var ErrUnavailable = errors.New("provider unavailable")

// ErrRequestFailed matches every *RequestError.
var ErrRequestFailed = errors.New("provider request failed")

// Request is a single generation call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Provider is implemented by every text generation backend.
//
// Healthcheck is a cheap local check of whether required configuration is
// present; it never touches the network. Generate performs exactly one
// upstream call and never retries.
type Provider interface {
	Name() string
	Healthcheck() bool
	Generate(ctx context.Context, req Request) (string, error)
}

// RequestError is a transport, timeout or non-success failure of a call.
type RequestError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("%s request failed: %d %s", e.Provider, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s request failed: %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool { return target == ErrRequestFailed }

func unavailable(name, reason string) error {
	return fmt.Errorf("%s: %s: %w", name, reason, ErrUnavailable)
}

// New builds the backend selected by cfg.Type.
func New(cfg config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "provider", "provider", cfg.Type)

	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.ProviderAnthropic:
		p := NewAnthropic(cfg)
		if !p.Healthcheck() {
			logger.Warn("provider.unconfigured", "reason", "ANTHROPIC_API_KEY is not set")
		}
		return p, nil
	case config.ProviderOpenAICompatible:
		p := NewGateway(cfg, nil)
		if !p.Healthcheck() {
			logger.Warn("provider.unconfigured", "reason", "AI_BASE_URL and OPENAI_COMPATIBLE_API_KEY must be set")
		}
		return p, nil
	case config.ProviderPuterJS:
		return NewBrowser(cfg, NewPlaywrightLauncher(cfg.Timeout()), logger), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Type)
	}
}
