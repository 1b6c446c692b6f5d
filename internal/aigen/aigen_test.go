package aigen_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"seopilot/internal/aigen"
	"seopilot/internal/config"
)

func samplePrompt() aigen.PromptContext {
	metric, limit := 4200.0, 2500.0
	return aigen.PromptContext{
		AuditType:      "pagespeed",
		TargetURL:      "https://example.com/",
		Code:           "largest-contentful-paint",
		Severity:       "high",
		Category:       "performance",
		Description:    "LCP is slow.",
		Recommendation: "Preload the hero image.",
		MetricValue:    &metric,
		Threshold:      &limit,
	}
}

func TestBuildPromptIncludesIssueContext(t *testing.T) {
	prompt := aigen.BuildPrompt(samplePrompt())
	for _, want := range []string{
		"Page: https://example.com/",
		"Audit: pagespeed",
		"Issue: largest-contentful-paint (severity high, category performance)",
		"Measured: 4200 (threshold 2500)",
		"Baseline recommendation: Preload the hero image.",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestOpenAIClientChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model != "gpt-4o-mini" || len(body.Messages) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"  Preload the LCP image.  "}}]}`))
	}))
	defer srv.Close()

	svc := aigen.NewService()
	svc.Register("gpt", &aigen.OpenAIClient{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "sk-test", HTTP: srv.Client()})
	out, err := svc.Generate(context.Background(), "gpt", samplePrompt())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "Preload the LCP image." || out.Model != "gpt-4o-mini-2024" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestGeminiClientGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" || r.URL.Query().Get("key") != "g-key" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Step 1. "},{"text":"Step 2."}]}}]}`))
	}))
	defer srv.Close()

	c := &aigen.GeminiClient{BaseURL: srv.URL, Model: "gemini-1.5-flash", APIKey: "g-key", HTTP: srv.Client()}
	out, err := c.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "Step 1. Step 2." || out.Model != "gemini-1.5-flash" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestProviderErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := aigen.NewService()
	svc.Register("groq", &aigen.OpenAIClient{BaseURL: srv.URL, Model: "llama", APIKey: "k", HTTP: srv.Client()})
	if _, err := svc.Generate(context.Background(), "groq", samplePrompt()); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
	if _, err := svc.Generate(context.Background(), "gemini", samplePrompt()); !errors.Is(err, aigen.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
	noKey := &aigen.GeminiClient{BaseURL: srv.URL, Model: "m"}
	if _, err := noKey.Complete(context.Background(), "p"); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestFromConfigRegistersProviders(t *testing.T) {
	t.Setenv("TEST_GROQ_KEY", "")
	cfg := config.AIConfig{Providers: map[string]config.ProviderConfig{
		"gpt":  {Kind: "mock", Model: "canned"},
		"groq": {Kind: "openai", Model: "llama", APIKeyEnv: "TEST_GROQ_KEY"},
	}}
	svc := aigen.FromConfig(cfg, nil)
	out, err := svc.Generate(context.Background(), "gpt", samplePrompt())
	if err != nil || out.Model != "canned" || out.Text == "" {
		t.Fatalf("mock provider: %+v %v", out, err)
	}
	if _, err := svc.Generate(context.Background(), "groq", samplePrompt()); err == nil {
		t.Fatalf("expected error without api key")
	}
}
