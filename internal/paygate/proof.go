package paygate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const proofSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["payload"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "scheme": {"type": "string"},
    "network": {"type": "string"},
    "accepted": {"type": "object"},
    "payload": {
      "type": "object",
      "required": ["signature", "authorization"],
      "properties": {
        "signature": {"type": "string", "minLength": 1},
        "authorization": {
          "type": "object",
          "required": ["from", "to", "value", "nonce"],
          "properties": {
            "from": {"type": "string", "minLength": 1},
            "to": {"type": "string", "minLength": 1},
            "value": {"type": ["string", "integer"]},
            "validAfter": {"type": ["string", "integer"]},
            "validBefore": {"type": ["string", "integer"]},
            "nonce": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

func compileProofSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("proof.schema.json", proofSchema)
}

// Proof is a decoded payment payload for the exact EVM scheme.
type Proof struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme,omitempty"`
	Network     string  `json:"network,omitempty"`
	Accepted    *Accept `json:"accepted,omitempty"`
	Payload     struct {
		Signature     string        `json:"signature"`
		Authorization Authorization `json:"authorization"`
	} `json:"payload"`

	raw json.RawMessage
}

type Authorization struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       numString `json:"value"`
	ValidAfter  numString `json:"validAfter,omitempty"`
	ValidBefore numString `json:"validBefore,omitempty"`
	Nonce       string    `json:"nonce"`
}

// numString accepts a JSON string or number.
type numString string

func (n *numString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = numString(num.String())
	return nil
}

func (p Proof) Raw() json.RawMessage { return p.raw }

func (p Proof) Payer() string { return p.Payload.Authorization.From }

// ReplayKey identifies one signed authorization.
func (p Proof) ReplayKey() string {
	a := p.Payload.Authorization
	return strings.ToLower(a.From) + "|" + strings.ToLower(a.Nonce)
}

func decodeProof(schema *jsonschema.Schema, header string) (Proof, error) {
	var p Proof
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return p, fmt.Errorf("proof is not base64: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return p, fmt.Errorf("proof is not json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return p, fmt.Errorf("proof rejected by schema: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("proof decode: %w", err)
	}
	p.raw = raw
	return p, nil
}

// match checks the proof against the exact requirement before it is sent to
// the facilitator.
func (p Proof) match(req Requirement, now time.Time) error {
	if p.Scheme != "" && p.Scheme != req.Scheme {
		return fmt.Errorf("scheme mismatch: %s", p.Scheme)
	}
	if p.Network != "" && p.Network != req.Network {
		return fmt.Errorf("network mismatch: %s", p.Network)
	}
	if a := p.Accepted; a != nil {
		if a.Network != "" && a.Network != req.Network {
			return fmt.Errorf("network mismatch: %s", a.Network)
		}
		if a.Asset != "" && !strings.EqualFold(a.Asset, req.Asset) {
			return fmt.Errorf("asset mismatch: %s", a.Asset)
		}
		if a.PayTo != "" && !strings.EqualFold(a.PayTo, req.Payee) {
			return fmt.Errorf("payee mismatch: %s", a.PayTo)
		}
		if a.Amount != "" && !sameAmount(a.Amount, req.ChargeAmount) {
			return fmt.Errorf("amount mismatch: %s", a.Amount)
		}
	}
	auth := p.Payload.Authorization
	if !strings.EqualFold(auth.To, req.Payee) {
		return fmt.Errorf("payee mismatch: %s", auth.To)
	}
	if !sameAmount(string(auth.Value), req.ChargeAmount) {
		return fmt.Errorf("amount mismatch: got %s want %d", auth.Value, req.ChargeAmount)
	}
	unix := now.Unix()
	if v, ok := parseUnix(auth.ValidBefore); ok && v <= unix {
		return fmt.Errorf("authorization expired")
	}
	if v, ok := parseUnix(auth.ValidAfter); ok && v > unix {
		return fmt.Errorf("authorization not yet valid")
	}
	return nil
}

func sameAmount(s string, want int64) bool {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	return ok && n.Cmp(big.NewInt(want)) == 0
}

func parseUnix(s numString) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
