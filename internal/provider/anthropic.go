package provider

import (
	"context"
	"errors"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stellarlinkco/nexus/internal/config"
)

const anthropicName = config.ProviderAnthropic

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Anthropic calls the vendor SDK directly.
type Anthropic struct {
	msgs      anthropicMessages
	model     string
	maxTokens int
}

// NewAnthropic builds the SDK client only when an API key is configured; a
// provider without a client fails every call with ErrUnavailable.
func NewAnthropic(cfg config.ProviderConfig, opts ...option.RequestOption) *Anthropic {
	a := &Anthropic{
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if a.maxTokens <= 0 {
		a.maxTokens = config.DefaultMaxTokens
	}

	apiKey := strings.TrimSpace(cfg.AnthropicAPIKey)
	if apiKey == "" {
		return a
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout()),
	}
	reqOpts = append(reqOpts, opts...)
	client := anthropicsdk.NewClient(reqOpts...)
	a.msgs = &client.Messages
	return a
}

func (a *Anthropic) Name() string { return anthropicName }

func (a *Anthropic) Healthcheck() bool { return a.msgs != nil }

func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	if a.msgs == nil {
		return "", unavailable(anthropicName, "client is not initialized")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.UserPrompt)),
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		reqErr := &RequestError{Provider: anthropicName, Err: err}
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			reqErr.StatusCode = apiErr.StatusCode
		}
		return "", reqErr
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
