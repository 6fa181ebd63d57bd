package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/paygate"
	"trustgate.ai/internal/protocol"
)

// Local serves tools straight from the running process.
type Local struct {
	Registry *escrow.Registry
	Gate     interface {
		ValidatePrincipal(principal int64) error
		Requirement(principal int64) paygate.Requirement
		Document(req paygate.Requirement) paygate.Document
	}
	Demo func(ctx context.Context, quality string, amount int64) (escrow.Escrow, error)
}

func (l Local) ListEscrows(context.Context) ([]escrow.Escrow, error) { return l.Registry.List(), nil }

func (l Local) GetEscrow(_ context.Context, id int64) (escrow.Escrow, error) {
	return l.Registry.Get(id)
}

func (l Local) Stats(context.Context) (escrow.Stats, error) { return l.Registry.Stats(), nil }

func (l Local) PaymentRequirements(_ context.Context, amount int64) (paygate.Document, error) {
	if l.Gate == nil {
		return paygate.Document{}, errors.New("payment gate not configured")
	}
	if err := l.Gate.ValidatePrincipal(amount); err != nil {
		return paygate.Document{}, err
	}
	return l.Gate.Document(l.Gate.Requirement(amount)), nil
}

func (l Local) RunDemo(ctx context.Context, quality string, amount int64) (int64, error) {
	if l.Demo == nil {
		return 0, errors.New("demo disabled")
	}
	e, err := l.Demo(ctx, quality, amount)
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

// Remote serves tools from a TrustGate HTTP API.
type Remote struct {
	BaseURL string
	Client  *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *Remote) ListEscrows(ctx context.Context) ([]escrow.Escrow, error) {
	var out []escrow.Escrow
	err := r.do(ctx, http.MethodGet, "/escrows", nil, nil, http.StatusOK, &out)
	return out, err
}

func (r *Remote) GetEscrow(ctx context.Context, id int64) (escrow.Escrow, error) {
	var out escrow.Escrow
	err := r.do(ctx, http.MethodGet, "/escrows/"+strconv.FormatInt(id, 10), nil, nil, http.StatusOK, &out)
	return out, err
}

func (r *Remote) Stats(ctx context.Context) (escrow.Stats, error) {
	var out escrow.Stats
	err := r.do(ctx, http.MethodGet, "/stats", nil, nil, http.StatusOK, &out)
	return out, err
}

// PaymentRequirements sends an unpaid escrow request and returns the
// challenge document from the 402 response.
func (r *Remote) PaymentRequirements(ctx context.Context, amount int64) (paygate.Document, error) {
	hdr := http.Header{}
	hdr.Set("X-Target-URL", "mock-good")
	hdr.Set("X-Escrow-Amount", strconv.FormatInt(amount, 10))
	var out paygate.Document
	err := r.do(ctx, http.MethodPost, "/task-escrow", hdr, nil, http.StatusPaymentRequired, &out)
	return out, err
}

func (r *Remote) RunDemo(ctx context.Context, quality string, amount int64) (int64, error) {
	body, err := json.Marshal(map[string]any{"expectedQuality": quality, "amount": amount})
	if err != nil {
		return 0, err
	}
	var out struct {
		EscrowID int64 `json:"escrowId"`
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	if err := r.do(ctx, http.MethodPost, "/demo", hdr, body, http.StatusOK, &out); err != nil {
		return 0, err
	}
	return out.EscrowID, nil
}

func (r *Remote) do(ctx context.Context, method, path string, hdr http.Header, body []byte, want int, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var e protocol.ErrorBody
		if json.Unmarshal(raw, &e) == nil && e.Code != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error, e.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
