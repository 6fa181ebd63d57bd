package paygate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrPaymentRequired = errors.New("paygate: payment required")
	// ErrChargeOverflow means principal plus fee does not fit in an int64.
	ErrChargeOverflow = errors.New("paygate: amount too large")
)

type InvalidPaymentError struct {
	Reason string
}

func (e *InvalidPaymentError) Error() string { return "paygate: invalid payment: " + e.Reason }

type Config struct {
	Fee               int64
	Network           string
	Asset             string
	AssetName         string
	AssetVersion      string
	PayTo             string
	MaxTimeoutSeconds int

	ResourceURL string
	Description string

	SettleOnVerify bool
	ReplayTTL      time.Duration
}

// Receipt describes a proof the gate accepted.
type Receipt struct {
	Requirement Requirement
	Payer       string
	Transaction string
}

type Gate struct {
	cfg      Config
	verifier Verifier
	replay   ReplayStore
	schema   *jsonschema.Schema
	log      *log.Logger
	now      func() time.Time
}

func New(cfg Config, v Verifier, replay ReplayStore, logger *log.Logger) (*Gate, error) {
	if v == nil {
		return nil, errors.New("paygate: nil verifier")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if replay == nil {
		replay = NewMemoryReplay()
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 300
	}
	if cfg.Description == "" {
		cfg.Description = "TrustGate escrow payment"
	}
	schema, err := compileProofSchema()
	if err != nil {
		return nil, fmt.Errorf("paygate: compile proof schema: %w", err)
	}
	return &Gate{
		cfg:      cfg,
		verifier: v,
		replay:   replay,
		schema:   schema,
		log:      logger,
		now:      time.Now,
	}, nil
}

// ValidatePrincipal rejects principals whose charge cannot be represented.
func (g *Gate) ValidatePrincipal(principal int64) error {
	if principal <= 0 {
		return fmt.Errorf("paygate: principal %d must be positive", principal)
	}
	if principal > math.MaxInt64-g.cfg.Fee {
		return ErrChargeOverflow
	}
	return nil
}

// Requirement computes the charge for a principal: principal plus the fixed fee.
func (g *Gate) Requirement(principal int64) Requirement {
	return Requirement{
		Scheme:         SchemeExact,
		Principal:      principal,
		ChargeAmount:   principal + g.cfg.Fee,
		Asset:          g.cfg.Asset,
		Payee:          g.cfg.PayTo,
		Network:        g.cfg.Network,
		TimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		AssetName:      g.cfg.AssetName,
		AssetVersion:   g.cfg.AssetVersion,
	}
}

func (g *Gate) Document(req Requirement) Document {
	res := g.resource()
	return Document{
		X402Version: X402Version,
		Error:       "Payment required",
		Resource:    res,
		Accepts:     []Accept{req.Accept(res)},
	}
}

func (g *Gate) resource() Resource {
	return Resource{URL: g.cfg.ResourceURL, Description: g.cfg.Description, MimeType: "application/json"}
}

// ProofHeader returns the proof carried by the request, if any.
func ProofHeader(h http.Header) string {
	if v := strings.TrimSpace(h.Get(HeaderProof)); v != "" {
		return v
	}
	return strings.TrimSpace(h.Get(HeaderProofCompat))
}

// Check clears a request for principal. It returns ErrPaymentRequired when no
// proof is present and *InvalidPaymentError when the proof does not verify.
// It has no side effects beyond reserving the proof's nonce on success.
func (g *Gate) Check(ctx context.Context, h http.Header, principal int64) (Receipt, error) {
	if err := g.ValidatePrincipal(principal); err != nil {
		return Receipt{}, err
	}
	req := g.Requirement(principal)
	header := ProofHeader(h)
	if header == "" {
		return Receipt{}, ErrPaymentRequired
	}

	proof, err := decodeProof(g.schema, header)
	if err != nil {
		return Receipt{}, &InvalidPaymentError{Reason: err.Error()}
	}
	if err := proof.match(req, g.now()); err != nil {
		return Receipt{}, &InvalidPaymentError{Reason: err.Error()}
	}

	key := proof.ReplayKey()
	ok, err := g.replay.Reserve(ctx, key, g.replayTTL())
	if err != nil {
		return Receipt{}, &InvalidPaymentError{Reason: "replay store unavailable: " + err.Error()}
	}
	if !ok {
		return Receipt{}, &InvalidPaymentError{Reason: "payment authorization already used"}
	}

	accept := req.Accept(g.resource())
	vr, err := g.verifier.Verify(ctx, proof.Raw(), accept)
	if err != nil {
		g.release(key)
		g.log.Printf("paygate: verify: %v", err)
		return Receipt{}, &InvalidPaymentError{Reason: "verification unavailable: " + err.Error()}
	}
	if !vr.IsValid {
		g.release(key)
		reason := vr.InvalidReason
		if reason == "" {
			reason = "payment not valid"
		}
		return Receipt{}, &InvalidPaymentError{Reason: reason}
	}

	rc := Receipt{Requirement: req, Payer: vr.Payer}
	if rc.Payer == "" {
		rc.Payer = proof.Payer()
	}
	if g.cfg.SettleOnVerify {
		sr, err := g.verifier.Settle(ctx, proof.Raw(), accept)
		if err != nil || !sr.Success {
			g.release(key)
			reason := sr.ErrorReason
			if err != nil {
				reason = err.Error()
			}
			return Receipt{}, &InvalidPaymentError{Reason: "settlement failed: " + reason}
		}
		rc.Transaction = sr.Transaction
	}
	return rc, nil
}

func (g *Gate) replayTTL() time.Duration {
	if g.cfg.ReplayTTL > 0 {
		return g.cfg.ReplayTTL
	}
	return time.Duration(g.cfg.MaxTimeoutSeconds) * time.Second * 2
}

func (g *Gate) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.replay.Release(ctx, key); err != nil {
		g.log.Printf("paygate: release replay key: %v", err)
	}
}
