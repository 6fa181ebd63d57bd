package paygate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testPayee = "0x2222222222222222222222222222222222222222"

func testConfig() Config {
	return Config{
		Fee:               10000,
		Network:           "eip155:84532",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetName:         "USDC",
		AssetVersion:      "2",
		PayTo:             testPayee,
		MaxTimeoutSeconds: 300,
		ResourceURL:       "http://127.0.0.1:4021/task-escrow",
	}
}

func proofHeader(t *testing.T, to string, value string, nonce string) string {
	t.Helper()
	p := map[string]any{
		"x402Version": 2,
		"scheme":      "exact",
		"network":     "eip155:84532",
		"payload": map[string]any{
			"signature": "0xsig",
			"authorization": map[string]any{
				"from":        "0x3333333333333333333333333333333333333333",
				"to":          to,
				"value":       value,
				"validAfter":  "0",
				"validBefore": "0",
				"nonce":       nonce,
			},
		},
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

type facilitatorStub struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Value // facilitatorRequest
	valid atomic.Bool
}

func newFacilitatorStub(t *testing.T) *facilitatorStub {
	t.Helper()
	f := &facilitatorStub{}
	f.valid.Store(true)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var req facilitatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.last.Store(req)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			if f.valid.Load() {
				_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: "invalid_exact_evm_payload_signature"})
		case "/settle":
			_ = json.NewEncoder(w).Encode(SettleResponse{Success: true, Transaction: "0xsettled"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestGate(t *testing.T, cfg Config, f *facilitatorStub) *Gate {
	t.Helper()
	g, err := New(cfg, NewFacilitator(f.srv.URL, 2*time.Second), NewMemoryReplay(), nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestGate_RequirementAddsFee(t *testing.T) {
	f := newFacilitatorStub(t)
	g := newTestGate(t, testConfig(), f)
	for _, p := range []int64{1, 999, 1000000, 123456789} {
		req := g.Requirement(p)
		if req.ChargeAmount != p+10000 {
			t.Fatalf("principal %d: charge %d", p, req.ChargeAmount)
		}
		if req.Payee != testPayee || req.Scheme != SchemeExact || req.TimeoutSeconds != 300 {
			t.Fatalf("unexpected requirement: %+v", req)
		}
	}
}

func TestGate_RejectsChargeOverflow(t *testing.T) {
	f := newFacilitatorStub(t)
	g := newTestGate(t, testConfig(), f)

	if err := g.ValidatePrincipal(math.MaxInt64 - 10000); err != nil {
		t.Fatalf("largest representable principal rejected: %v", err)
	}
	for _, p := range []int64{math.MaxInt64, math.MaxInt64 - 9999} {
		if err := g.ValidatePrincipal(p); !errors.Is(err, ErrChargeOverflow) {
			t.Fatalf("principal %d: expected ErrChargeOverflow, got %v", p, err)
		}
	}
	if err := g.ValidatePrincipal(0); err == nil {
		t.Fatalf("expected zero principal to be rejected")
	}

	h := http.Header{}
	h.Set(HeaderProof, "anything")
	if _, err := g.Check(context.Background(), h, math.MaxInt64); !errors.Is(err, ErrChargeOverflow) {
		t.Fatalf("expected ErrChargeOverflow from Check, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("facilitator should not be called for an unrepresentable charge")
	}
}

func TestGate_NoProofIsChallenged(t *testing.T) {
	f := newFacilitatorStub(t)
	g := newTestGate(t, testConfig(), f)

	_, err := g.Check(context.Background(), http.Header{}, 1000000)
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("facilitator must not be called without a proof")
	}

	h := http.Header{}
	doc := g.Document(g.Requirement(1000000))
	if err := SetChallengeHeaders(h, doc); err != nil {
		t.Fatalf("headers: %v", err)
	}
	if !strings.HasPrefix(h.Get(HeaderChallenge), "x402 ") {
		t.Fatalf("unexpected challenge header: %q", h.Get(HeaderChallenge))
	}
	back, err := ParseChallenge(h.Get(HeaderChallenge))
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	if back.X402Version != 2 || len(back.Accepts) != 1 || back.Accepts[0].Amount != "1010000" || back.Accepts[0].MaxAmountRequired != "1010000" {
		t.Fatalf("unexpected document: %+v", back)
	}
	if back.Accepts[0].Extra.Name != "USDC" || back.Accepts[0].Network != "eip155:84532" {
		t.Fatalf("unexpected accept: %+v", back.Accepts[0])
	}

	raw, err := base64.StdEncoding.DecodeString(h.Get(HeaderPaymentRequired))
	if err != nil {
		t.Fatalf("compat header not base64: %v", err)
	}
	var compat struct {
		Accepts []Accept `json:"accepts"`
	}
	if err := json.Unmarshal(raw, &compat); err != nil || len(compat.Accepts) != 1 || compat.Accepts[0].PayTo != testPayee {
		t.Fatalf("unexpected compat header: %s (%v)", raw, err)
	}
}

func TestGate_ValidProof(t *testing.T) {
	f := newFacilitatorStub(t)
	g := newTestGate(t, testConfig(), f)

	h := http.Header{}
	h.Set(HeaderProof, proofHeader(t, testPayee, "1010000", "0x01"))
	rc, err := g.Check(context.Background(), h, 1000000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rc.Payer != "0xpayer" || rc.Requirement.ChargeAmount != 1010000 {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	last := f.last.Load().(facilitatorRequest)
	if last.X402Version != 2 || last.PaymentRequirements.Amount != "1010000" || last.PaymentRequirements.PayTo != testPayee {
		t.Fatalf("unexpected facilitator request: %+v", last)
	}

	// Same authorization again is a replay.
	_, err = g.Check(context.Background(), h, 1000000)
	var inv *InvalidPaymentError
	if !errors.As(err, &inv) || !strings.Contains(inv.Reason, "already used") {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("replayed proof must not reach the facilitator, calls=%d", f.calls.Load())
	}
}

func TestGate_CompatHeaderAndSettle(t *testing.T) {
	f := newFacilitatorStub(t)
	cfg := testConfig()
	cfg.SettleOnVerify = true
	g := newTestGate(t, cfg, f)

	h := http.Header{}
	h.Set(HeaderProofCompat, proofHeader(t, testPayee, "510000", "0x02"))
	rc, err := g.Check(context.Background(), h, 500000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rc.Transaction != "0xsettled" || f.calls.Load() != 2 {
		t.Fatalf("expected verify+settle, receipt=%+v calls=%d", rc, f.calls.Load())
	}
}

func TestGate_RejectsMismatchLocally(t *testing.T) {
	f := newFacilitatorStub(t)
	g := newTestGate(t, testConfig(), f)

	cases := map[string]string{
		"wrong amount": proofHeader(t, testPayee, "1000000", "0x03"),
		"wrong payee":  proofHeader(t, "0x9999999999999999999999999999999999999999", "1010000", "0x04"),
		"not base64":   "%%%",
		"not json":     base64.StdEncoding.EncodeToString([]byte("nope")),
		"schema":       base64.StdEncoding.EncodeToString([]byte(`{"payload":{"signature":""}}`)),
	}
	for name, hv := range cases {
		h := http.Header{}
		h.Set(HeaderProof, hv)
		_, err := g.Check(context.Background(), h, 1000000)
		var inv *InvalidPaymentError
		if !errors.As(err, &inv) {
			t.Fatalf("%s: expected InvalidPaymentError, got %v", name, err)
		}
	}
	if f.calls.Load() != 0 {
		t.Fatalf("local mismatches must not reach the facilitator")
	}
}

func TestGate_FacilitatorRejectsAndReleases(t *testing.T) {
	f := newFacilitatorStub(t)
	f.valid.Store(false)
	g := newTestGate(t, testConfig(), f)

	h := http.Header{}
	h.Set(HeaderProof, proofHeader(t, testPayee, "1010000", "0x05"))
	_, err := g.Check(context.Background(), h, 1000000)
	var inv *InvalidPaymentError
	if !errors.As(err, &inv) || inv.Reason != "invalid_exact_evm_payload_signature" {
		t.Fatalf("expected facilitator reason, got %v", err)
	}

	// The reservation was released, so a retry reaches the facilitator again.
	f.valid.Store(true)
	if _, err := g.Check(context.Background(), h, 1000000); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestGate_FacilitatorDown(t *testing.T) {
	g, err := New(testConfig(), NewFacilitator("http://127.0.0.1:1", time.Second), NewMemoryReplay(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := http.Header{}
	h.Set(HeaderProof, proofHeader(t, testPayee, "1010000", "0x06"))
	_, err = g.Check(context.Background(), h, 1000000)
	var inv *InvalidPaymentError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidPaymentError, got %v", err)
	}
}

func TestProof_NumericValue(t *testing.T) {
	s, err := compileProofSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	raw := `{"payload":{"signature":"0xs","authorization":{"from":"0xa","to":"0xb","value":1010000,"nonce":"n"}}}`
	p, err := decodeProof(s, base64.RawURLEncoding.EncodeToString([]byte(raw)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(p.Payload.Authorization.Value) != "1010000" {
		t.Fatalf("unexpected value %q", p.Payload.Authorization.Value)
	}
	if p.ReplayKey() != "0xa|n" {
		t.Fatalf("unexpected replay key %q", p.ReplayKey())
	}
}
