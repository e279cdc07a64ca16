package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/nexus/internal/config"
)

const (
	gatewayName = config.ProviderOpenAICompatible

	gatewayTemperature      = 0.2
	gatewayMaxResponseBytes = 4 * 1024 * 1024
)

// Gateway talks to any REST endpoint exposing an OpenAI-style
// /chat/completions route.
type Gateway struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// NewGateway builds the HTTP backend. A nil client gets a pooled transport
// bounded by the configured total timeout.
func NewGateway(cfg config.ProviderConfig, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   cfg.Timeout(),
		}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &Gateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.OpenAICompatibleAPIKey),
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: client,
	}
}

func (g *Gateway) Name() string { return gatewayName }

func (g *Gateway) Healthcheck() bool { return g.baseURL != "" && g.apiKey != "" }

func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	if g.baseURL == "" {
		return "", unavailable(gatewayName, "AI_BASE_URL must be set")
	}
	if g.apiKey == "" {
		return "", unavailable(gatewayName, "OPENAI_COMPATIBLE_API_KEY must be set")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	payload, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: gatewayTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", &RequestError{Provider: gatewayName, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", &RequestError{Provider: gatewayName, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, gatewayMaxResponseBytes))
	if err != nil {
		return "", &RequestError{Provider: gatewayName, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RequestError{
			Provider:   gatewayName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if !gjson.ValidBytes(respBody) {
		return "", &RequestError{Provider: gatewayName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: invalid json")}
	}

	return extractContent(gjson.GetBytes(respBody, "choices.0.message.content")), nil
}

// extractContent accepts the shapes gateways put in message.content: a list
// of parts, a plain string, or anything else, which is returned as raw JSON.
func extractContent(content gjson.Result) string {
	switch {
	case !content.Exists():
		return ""
	case content.IsArray():
		var sb strings.Builder
		for _, part := range content.Array() {
			if part.IsObject() {
				sb.WriteString(part.Get("text").String())
				continue
			}
			sb.WriteString(part.String())
		}
		return strings.TrimSpace(sb.String())
	case content.Type == gjson.String:
		return strings.TrimSpace(content.Str)
	default:
		return content.Raw
	}
}
