package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"trustgate.ai/internal/escrow"
)

func geminiServer(t *testing.T, status int, text string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") || r.Header.Get("x-goog-api-key") != "k" || r.URL.RawQuery != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			GenerationConfig struct {
				ResponseMimeType string `json:"responseMimeType"`
			} `json:"generationConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GenerationConfig.ResponseMimeType != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(body.Contents) != 1 || !strings.Contains(body.Contents[0].Parts[0].Text, "Quality Criteria: crit") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGeminiClient(t *testing.T, srv *httptest.Server, allowSplit bool, fallbacks *atomic.Int32) *Client {
	t.Helper()
	c, err := New(&Gemini{BaseURL: srv.URL, Model: "gemini-2.5-flash", APIKey: "k", AllowSplit: allowSplit}, Options{
		Timeout:    2 * time.Second,
		AllowSplit: allowSplit,
		OnFallback: func(error) {
			if fallbacks != nil {
				fallbacks.Add(1)
			}
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClient_Approve(t *testing.T) {
	var calls atomic.Int32
	srv := geminiServer(t, http.StatusOK, `{"score": 92, "verdict": "approve", "reason": "great"}`, &calls)
	c := newGeminiClient(t, srv, false, nil)

	v := c.Score(context.Background(), "task", "crit", "[EXCELLENT] done")
	if v.Decision != escrow.DecisionApprove || v.Score != 92 || v.Reason != "great" || v.SplitPercent != nil {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestClient_FencedOutputAndReject(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, "```json\n{\"score\": 12, \"verdict\": \"REJECT\", \"reason\": \"bus ticket\"}\n```", nil)
	c := newGeminiClient(t, srv, false, nil)

	v := c.Score(context.Background(), "task", "crit", "[POOR] nope")
	if v.Decision != escrow.DecisionReject || v.Score != 12 {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestClient_FailuresFallBack(t *testing.T) {
	cases := map[string]*httptest.Server{
		"http status":  geminiServer(t, http.StatusInternalServerError, `{"score": 90, "verdict": "approve"}`, nil),
		"not json":     geminiServer(t, http.StatusOK, "I think it is fine", nil),
		"schema":       geminiServer(t, http.StatusOK, `{"score": "high", "verdict": "approve"}`, nil),
		"bad verdict":  geminiServer(t, http.StatusOK, `{"score": 70, "verdict": "maybe"}`, nil),
		"out of range": geminiServer(t, http.StatusOK, `{"score": 170, "verdict": "approve"}`, nil),
	}
	for name, srv := range cases {
		var fallbacks atomic.Int32
		c := newGeminiClient(t, srv, false, &fallbacks)
		v := c.Score(context.Background(), "task", "crit", "result")
		if v != Fallback() {
			t.Fatalf("%s: expected fallback verdict, got %+v", name, v)
		}
		if fallbacks.Load() != 1 {
			t.Fatalf("%s: expected fallback hook once, got %d", name, fallbacks.Load())
		}
	}
}

func TestClient_TransportFailureFallsBack(t *testing.T) {
	c, err := New(&Gemini{BaseURL: "http://127.0.0.1:1", APIKey: "k"}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	v := c.Score(context.Background(), "task", "crit", "result")
	if v.Score != 0 || v.Decision != escrow.DecisionReject || v.Reason != FallbackReason {
		t.Fatalf("expected fallback, got %+v", v)
	}
}

func TestClient_FailureDoesNotLeakAPIKey(t *testing.T) {
	const key = "SECRET-KEY-123"
	var logs bytes.Buffer
	var seen []error
	c, err := New(&Gemini{BaseURL: "http://127.0.0.1:1", APIKey: key}, Options{
		Timeout:    time.Second,
		Logger:     log.New(&logs, "", 0),
		OnFallback: func(err error) { seen = append(seen, err) },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if v := c.Score(context.Background(), "task", "crit", "result"); v != Fallback() {
		t.Fatalf("expected fallback, got %+v", v)
	}
	if len(seen) != 1 {
		t.Fatalf("expected one fallback, got %d", len(seen))
	}
	if strings.Contains(seen[0].Error(), key) {
		t.Fatalf("fallback error leaks key: %v", seen[0])
	}
	if logs.Len() == 0 || strings.Contains(logs.String(), key) {
		t.Fatalf("log leaks key or is empty: %q", logs.String())
	}
}

func TestClient_MissingKeyFallsBack(t *testing.T) {
	c, err := New(&Gemini{}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if v := c.Score(context.Background(), "t", "c", "r"); v != Fallback() {
		t.Fatalf("expected fallback, got %+v", v)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c, err := New(&Gemini{BaseURL: srv.URL, APIKey: "k"}, Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	if v := c.Score(context.Background(), "t", "c", "r"); v != Fallback() {
		t.Fatalf("expected fallback, got %+v", v)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestClient_Split(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, `{"score": 60, "verdict": "approve", "reason": "half done", "percentToSeller": 40}`, nil)

	c := newGeminiClient(t, srv, true, nil)
	v := c.Score(context.Background(), "task", "crit", "r")
	if v.SplitPercent == nil || *v.SplitPercent != 40 || v.Outcome() != escrow.StatusPartial {
		t.Fatalf("expected split verdict, got %+v", v)
	}

	// Disabled: the percentage is ignored and the verdict stays binary.
	c = newGeminiClient(t, srv, false, nil)
	v = c.Score(context.Background(), "task", "crit", "r")
	if v.SplitPercent != nil || v.Outcome() != escrow.StatusApproved {
		t.Fatalf("expected binary verdict, got %+v", v)
	}
}

func TestOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ResponseFormat.Type != "json_object" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"score": 77, "verdict": "approve", "reason": "ok"}`}}},
		})
	}))
	defer srv.Close()

	s, err := NewScorer("openai", srv.URL, "", "sk", false, nil)
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	c, err := New(s, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	v := c.Score(context.Background(), "t", "c", "r")
	if v.Score != 77 || v.Decision != escrow.DecisionApprove {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestStatic(t *testing.T) {
	c, err := New(Static{}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if v := c.Score(context.Background(), "t", "c", "[EXCELLENT] Delivered perfectly"); v.Decision != escrow.DecisionApprove || v.Score < 50 {
		t.Fatalf("excellent: %+v", v)
	}
	if v := c.Score(context.Background(), "t", "c", "[POOR] Complete failure"); v.Decision != escrow.DecisionReject || v.Score >= 50 {
		t.Fatalf("poor: %+v", v)
	}
	if v := c.Score(context.Background(), "t", "c", "Failed to connect to target URL: refused"); v.Decision != escrow.DecisionReject {
		t.Fatalf("connect failure: %+v", v)
	}
}

func TestNewScorer_Unknown(t *testing.T) {
	if _, err := NewScorer("oracle", "", "", "", false, nil); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
