// Package decision renders prompts, calls the configured provider and turns
// the generated text into answers and validated moderation decisions.
package decision

import (
	"context"
	"log/slog"
	"strings"

	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/provider"
)

// MaxAnswerChars is the hard ceiling on advisory replies.
const MaxAnswerChars = 1400

// Engine is safe for concurrent use when its provider is.
type Engine struct {
	provider  provider.Provider
	maxTokens int
	logger    *slog.Logger
}

func NewEngine(p provider.Provider, maxTokens int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:  p,
		maxTokens: maxTokens,
		logger:    logger.With("component", "decision"),
	}
}

// Provider exposes the backend, mainly for health reporting.
func (e *Engine) Provider() provider.Provider { return e.provider }

// Answer replies to a user question. Over-long output is truncated.
// Provider errors are returned unchanged.
func (e *Engine) Answer(ctx context.Context, ask prompt.AskContext) (string, error) {
	p := prompt.Advisory(ask)
	text, err := e.provider.Generate(ctx, provider.Request{
		SystemPrompt: p.System,
		UserPrompt:   p.User,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return truncate(strings.TrimSpace(text), MaxAnswerChars), nil
}

// Judge asks for a moderation decision. Only provider errors are returned;
// unparsable output becomes a safe ignore decision.
func (e *Engine) Judge(ctx context.Context, mc prompt.ModerationContext) (Decision, error) {
	p := prompt.Moderation(mc)
	text, err := e.provider.Generate(ctx, provider.Request{
		SystemPrompt: p.System,
		UserPrompt:   p.User,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		return Decision{}, err
	}

	d, ok := Parse(text)
	if !ok {
		e.logger.Warn("decision.parse_failed",
			"user_id", mc.UserID,
			"channel_id", mc.ChannelID,
			"raw_len", len(text),
		)
	}
	return d, nil
}
