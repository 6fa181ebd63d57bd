package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Verifier is the payment protocol's verification service.
type Verifier interface {
	Verify(ctx context.Context, payload json.RawMessage, req Accept) (VerifyResponse, error)
	Settle(ctx context.Context, payload json.RawMessage, req Accept) (SettleResponse, error)
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

type facilitatorRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements Accept          `json:"paymentRequirements"`
}

// Facilitator talks to an x402 facilitator over HTTP.
type Facilitator struct {
	baseURL string
	http    *http.Client
}

func NewFacilitator(baseURL string, timeout time.Duration) *Facilitator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Facilitator{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (f *Facilitator) Verify(ctx context.Context, payload json.RawMessage, req Accept) (VerifyResponse, error) {
	var out VerifyResponse
	err := f.post(ctx, "/verify", payload, req, &out)
	return out, err
}

func (f *Facilitator) Settle(ctx context.Context, payload json.RawMessage, req Accept) (SettleResponse, error) {
	var out SettleResponse
	err := f.post(ctx, "/settle", payload, req, &out)
	return out, err
}

func (f *Facilitator) post(ctx context.Context, path string, payload json.RawMessage, req Accept, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(hreq)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return fmt.Errorf("facilitator %s: read: %w", path, err)
	}
	// Rejections come back as 4xx with a well-formed body; keep those.
	if err := json.Unmarshal(raw, out); err != nil || resp.StatusCode >= 500 {
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, snippet(raw))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
