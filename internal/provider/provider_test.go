package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stellarlinkco/nexus/internal/config"
)

func TestNew_SelectsBackend(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{config.ProviderAnthropic, "*provider.Anthropic"},
		{config.ProviderOpenAICompatible, "*provider.Gateway"},
		{config.ProviderPuterJS, "*provider.Browser"},
		{" Anthropic ", "*provider.Anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := config.DefaultConfig().Provider
			cfg.Type = tt.kind
			p, err := New(cfg, nil)
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			if got := fmt.Sprintf("%T", p); got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig().Provider
	cfg.Type = "carrier_pigeon"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNew_ConfigIsCopied(t *testing.T) {
	cfg := config.DefaultConfig().Provider
	cfg.Type = config.ProviderOpenAICompatible
	cfg.BaseURL = "https://gw.example.com"
	cfg.OpenAICompatibleAPIKey = "k"
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.BaseURL = ""
	cfg.OpenAICompatibleAPIKey = ""
	if !p.Healthcheck() {
		t.Error("provider must not observe config mutation after construction")
	}
}

func TestRequestError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("judge: %w", &RequestError{Provider: "x", Err: cause})
	if !errors.Is(err, ErrRequestFailed) {
		t.Error("RequestError should match ErrRequestFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("RequestError should unwrap to its cause")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("RequestError must not match ErrUnavailable")
	}

	withStatus := &RequestError{Provider: "gw", StatusCode: 500, Body: "boom"}
	if withStatus.Error() != "gw request failed: 500 boom" {
		t.Errorf("Error() = %q", withStatus.Error())
	}
}
