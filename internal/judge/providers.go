package judge

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
	DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultOpenAIURL = "https://api.openai.com/v1"

	maxResponseBytes = 1 << 20
)

// Gemini scores through the generateContent API with a JSON response type.
type Gemini struct {
	BaseURL    string
	Model      string
	APIKey     string
	AllowSplit bool
	HTTP       *http.Client
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Score(ctx context.Context, req Request) (json.RawMessage, error) {
	if g.APIKey == "" {
		return nil, errors.New("missing api key")
	}
	base := strings.TrimRight(orDefault(g.BaseURL, DefaultGeminiURL), "/")
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", base, url.PathEscape(orDefault(g.Model, "gemini-2.5-flash")))

	body := map[string]any{
		"contents": []any{
			map[string]any{"role": "user", "parts": []any{map[string]any{"text": Prompt(req, g.AllowSplit)}}},
		},
		"generationConfig": map[string]any{"responseMimeType": "application/json"},
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
	hdr := http.Header{}
	hdr.Set("x-goog-api-key", g.APIKey)
	if err := postJSON(ctx, g.HTTP, endpoint, hdr, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("empty candidates")
	}
	return extractJSON(resp.Candidates[0].Content.Parts[0].Text)
}

// OpenAI scores through chat completions in JSON object mode.
type OpenAI struct {
	BaseURL    string
	Model      string
	APIKey     string
	AllowSplit bool
	HTTP       *http.Client
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Score(ctx context.Context, req Request) (json.RawMessage, error) {
	if o.APIKey == "" {
		return nil, errors.New("missing api key")
	}
	endpoint := strings.TrimRight(orDefault(o.BaseURL, DefaultOpenAIURL), "/") + "/chat/completions"
	body := map[string]any{
		"model": orDefault(o.Model, "gpt-4o-mini"),
		"messages": []any{
			map[string]any{"role": "user", "content": Prompt(req, o.AllowSplit)},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+o.APIKey)
	if err := postJSON(ctx, o.HTTP, endpoint, hdr, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty choices")
	}
	return extractJSON(resp.Choices[0].Message.Content)
}

// Static scores offline from the markers the mock executor emits. Transport
// failures captured as results are rejected.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Score(_ context.Context, req Request) (json.RawMessage, error) {
	r := strings.TrimSpace(req.Result)
	out := Output{Score: 60, Verdict: "approve", Reason: "result delivered"}
	switch {
	case r == "":
		out = Output{Score: 0, Verdict: "reject", Reason: "empty result"}
	case strings.Contains(r, "[EXCELLENT]"):
		out = Output{Score: 95, Verdict: "approve", Reason: "delivery matches the requested criteria"}
	case strings.Contains(r, "[POOR]"):
		out = Output{Score: 10, Verdict: "reject", Reason: "delivery ignores the task instructions"}
	case strings.HasPrefix(r, "HTTP Error"), strings.HasPrefix(r, "Failed to connect"):
		out = Output{Score: 5, Verdict: "reject", Reason: "seller endpoint failed to deliver"}
	}
	return json.Marshal(out)
}

// NewScorer builds the named provider.
func NewScorer(provider, baseURL, model, apiKey string, allowSplit bool, client *http.Client) (Scorer, error) {
	switch provider {
	case "gemini":
		return &Gemini{BaseURL: baseURL, Model: model, APIKey: apiKey, AllowSplit: allowSplit, HTTP: client}, nil
	case "openai":
		return &OpenAI{BaseURL: baseURL, Model: model, APIKey: apiKey, AllowSplit: allowSplit, HTTP: client}, nil
	case "static":
		return Static{}, nil
	default:
		return nil, fmt.Errorf("judge: unknown provider %q", provider)
	}
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, hdr http.Header, body any, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw[:min(len(raw), 200)])))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractJSON trims markdown fences some models wrap around JSON output.
func extractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty output")
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("output is not json: %.80q", s)
	}
	return json.RawMessage(s), nil
}

func orDefault(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return v
}
