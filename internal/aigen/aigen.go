// Package aigen talks to the hosted language models that draft remediation
// text for SEO issues.
package aigen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"seopilot/internal/config"
)

// PromptVersion is stored with every generated fix so older drafts can be told
// apart when the prompt changes.
const PromptVersion = "fix-v1"

// PromptContext is the issue data a provider sees.
type PromptContext struct {
	AuditType      string
	TargetURL      string
	Code           string
	Severity       string
	Category       string
	Description    string
	Recommendation string
	MetricValue    *float64
	Threshold      *float64
}

type Output struct {
	Text  string
	Model string
}

// Generator produces remediation text for one provider name (gpt, gemini, groq).
type Generator interface {
	Generate(ctx context.Context, provider string, pc PromptContext) (Output, error)
}

// Client is one configured model endpoint.
type Client interface {
	Complete(ctx context.Context, prompt string) (Output, error)
}

var ErrUnknownProvider = errors.New("unknown ai provider")

// Service dispatches to the client registered for a provider.
type Service struct {
	clients map[string]Client
}

func NewService() *Service {
	return &Service{clients: map[string]Client{}}
}

func (s *Service) Register(provider string, c Client) {
	s.clients[provider] = c
}

func (s *Service) Generate(ctx context.Context, provider string, pc PromptContext) (Output, error) {
	c, ok := s.clients[provider]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	out, err := c.Complete(ctx, BuildPrompt(pc))
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", provider, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

// FromConfig registers a client per configured provider. Keys are read from
// the environment variable each provider names.
func FromConfig(cfg config.AIConfig, client *http.Client) *Service {
	if client == nil {
		timeout := 45 * time.Second
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	svc := NewService()
	for name, p := range cfg.Providers {
		key := ""
		if p.APIKeyEnv != "" {
			key = os.Getenv(p.APIKeyEnv)
		}
		switch p.Kind {
		case "openai":
			svc.Register(name, &OpenAIClient{BaseURL: p.BaseURL, Model: p.Model, APIKey: key, HTTP: client})
		case "gemini":
			svc.Register(name, &GeminiClient{BaseURL: p.BaseURL, Model: p.Model, APIKey: key, HTTP: client})
		default:
			svc.Register(name, MockClient{Model: p.Model})
		}
	}
	return svc
}
