// Package executor performs the seller's work for an escrow: either a canned
// mock delivery or a forwarded call to the seller's HTTP endpoint.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// Error is an execution failure. Its text is also the result handed to the
// judge, so failed deliveries are judged instead of aborting the escrow.
type Error struct {
	Target string
	Text   string
}

func (e *Error) Error() string { return "executor: " + e.Text }

type Job struct {
	Target string
	Task   string
	// Body is forwarded to HTTP targets verbatim; empty means {}.
	Body []byte
}

// Executor returns the delivered result text. On failure the returned text
// describes the failure and err is an *Error.
type Executor interface {
	Execute(ctx context.Context, job Job) (string, error)
}

// IsMock reports whether target selects the mock seller: exactly "mock" or
// "mock-<word>". URLs that merely contain "mock" are forwarded.
func IsMock(target string) bool {
	if target == "mock" {
		return true
	}
	word, ok := strings.CutPrefix(target, "mock-")
	if !ok || word == "" {
		return false
	}
	for _, c := range word {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			return false
		}
	}
	return true
}

// Mock answers with a canned excellent or poor delivery. The quality is the
// target segment after the first dash ("mock-bad"); it defaults to good.
type Mock struct{}

func (Mock) Execute(_ context.Context, job Job) (string, error) {
	return MockDelivery(job.Task, mockQuality(job.Target)), nil
}

func mockQuality(target string) string {
	parts := strings.Split(target, "-")
	if len(parts) < 2 || parts[1] == "" {
		return "good"
	}
	return parts[1]
}

// MockDelivery renders the canned delivery for quality ("good" or anything
// else).
func MockDelivery(task, quality string) string {
	if quality == "good" {
		return "[EXCELLENT] Delivered perfectly according to criteria: " + task + ".\n" +
			"I have successfully booked your excellent flight with maximum comfort, leg room, and premium priority boarding.\n" +
			"All specifications met with extremely high quality. Here is your confirmation code: XYZ123."
	}
	return "[POOR] Complete failure to follow instructions for: " + task + ".\n" +
		"I bought you a bus ticket instead of a flight. It leaves in 5 minutes. Good luck."
}

type HTTPOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// HMACSecret signs forwarded requests when set.
	HMACSecret string
	Client     *http.Client
	Now        func() time.Time
}

// HTTP forwards the job body to the target URL with a POST.
type HTTP struct {
	client  *http.Client
	maxBody int64
	secret  []byte
	now     func() time.Time
}

func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	h := &HTTP{client: client, maxBody: maxBody, now: now}
	if opts.HMACSecret != "" {
		h.secret = []byte(opts.HMACSecret)
	}
	return h
}

func (h *HTTP) Execute(ctx context.Context, job Job) (string, error) {
	body := job.Body
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Target, bytes.NewReader(body))
	if err != nil {
		return h.fail(job.Target, "Failed to connect to target URL: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if h.secret != nil {
		Sign(req, body, h.secret, h.now())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return h.fail(job.Target, "Failed to connect to target URL: "+err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return h.fail(job.Target, "Failed to connect to target URL: "+err.Error())
	}

	text := prettyJSON(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return h.fail(job.Target, fmt.Sprintf("HTTP Error %d: %s", resp.StatusCode, text))
	}
	return text, nil
}

func (h *HTTP) fail(target, text string) (string, error) {
	return text, &Error{Target: target, Text: text}
}

// prettyJSON indents JSON replies with two spaces; anything else is returned
// as is.
func prettyJSON(raw []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

// Router sends mock targets to the mock seller and everything else over HTTP.
type Router struct {
	Mock Executor
	HTTP Executor
}

func (r Router) Execute(ctx context.Context, job Job) (string, error) {
	if IsMock(job.Target) {
		m := r.Mock
		if m == nil {
			m = Mock{}
		}
		return m.Execute(ctx, job)
	}
	if r.HTTP == nil {
		return "", &Error{Target: job.Target, Text: "no http executor configured"}
	}
	return r.HTTP.Execute(ctx, job)
}
