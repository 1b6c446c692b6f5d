package aigen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultOpenAIBase = "https://api.openai.com/v1"
	defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"
)

// OpenAIClient speaks the chat completions API. Groq exposes the same surface
// under its own base URL.
type OpenAIClient struct {
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (Output, error) {
	if c.APIKey == "" {
		return Output{}, errors.New("api key not set")
	}
	base := c.BaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	payload := map[string]any{
		"model": c.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	if err := postJSON(ctx, c.HTTP, strings.TrimRight(base, "/")+"/chat/completions", headers, payload, &resp); err != nil {
		return Output{}, err
	}
	if len(resp.Choices) == 0 {
		return Output{}, errors.New("no choices returned")
	}
	model := resp.Model
	if model == "" {
		model = c.Model
	}
	return Output{Text: resp.Choices[0].Message.Content, Model: model}, nil
}

// GeminiClient calls generateContent on the Generative Language API.
type GeminiClient struct {
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (Output, error) {
	if c.APIKey == "" {
		return Output{}, errors.New("api key not set")
	}
	base := c.BaseURL
	if base == "" {
		base = defaultGeminiBase
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(base, "/"), url.PathEscape(c.Model), url.QueryEscape(c.APIKey))
	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := postJSON(ctx, c.HTTP, endpoint, nil, payload, &resp); err != nil {
		return Output{}, err
	}
	if len(resp.Candidates) == 0 {
		return Output{}, errors.New("no candidates returned")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return Output{Text: sb.String(), Model: c.Model}, nil
}

// MockClient returns canned text without any network access.
type MockClient struct {
	Model string
	Text  string
	Err   error
}

func (m MockClient) Complete(ctx context.Context, prompt string) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if m.Err != nil {
		return Output{}, m.Err
	}
	model := m.Model
	if model == "" {
		model = "mock"
	}
	text := m.Text
	if text == "" {
		first, _, _ := strings.Cut(prompt, "\n")
		text = "Suggested fix (mock): " + first
	}
	return Output{Text: text, Model: model}, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
