package paygate

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	X402Version = 2

	HeaderChallenge       = "WWW-Authenticate"
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderProof           = "PAYMENT-SIGNATURE"
	HeaderProofCompat     = "X-PAYMENT"
	HeaderPaymentResponse = "PAYMENT-RESPONSE"

	SchemeExact = "exact"
)

// Requirement is the declared cost of one protected call. It is derived from
// the principal and never changes after it is issued.
type Requirement struct {
	Scheme         string
	Principal      int64
	ChargeAmount   int64
	Asset          string
	Payee          string
	Network        string
	TimeoutSeconds int

	AssetName    string
	AssetVersion string
}

// Accept is the wire form of a Requirement inside the challenge document.
type Accept struct {
	Scheme            string      `json:"scheme"`
	Amount            string      `json:"amount"`
	MaxAmountRequired string      `json:"maxAmountRequired"`
	Network           string      `json:"network"`
	Asset             string      `json:"asset"`
	PayTo             string      `json:"payTo"`
	MaxTimeoutSeconds int         `json:"maxTimeoutSeconds"`
	Resource          string      `json:"resource,omitempty"`
	Description       string      `json:"description,omitempty"`
	MimeType          string      `json:"mimeType,omitempty"`
	Extra             AcceptExtra `json:"extra"`
}

type AcceptExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Document is the full challenge sent with a 402 response.
type Document struct {
	X402Version int      `json:"x402Version"`
	Error       string   `json:"error"`
	Resource    Resource `json:"resource"`
	Accepts     []Accept `json:"accepts"`
}

func (r Requirement) Accept(res Resource) Accept {
	amt := strconv.FormatInt(r.ChargeAmount, 10)
	return Accept{
		Scheme:            r.Scheme,
		Amount:            amt,
		MaxAmountRequired: amt,
		Network:           r.Network,
		Asset:             r.Asset,
		PayTo:             r.Payee,
		MaxTimeoutSeconds: r.TimeoutSeconds,
		Resource:          res.URL,
		Description:       res.Description,
		MimeType:          res.MimeType,
		Extra:             AcceptExtra{Name: r.AssetName, Version: r.AssetVersion},
	}
}

// SetChallengeHeaders writes the document into the primary challenge header
// and the accepts list into the compatibility header, both base64 JSON.
func SetChallengeHeaders(h http.Header, doc Document) error {
	full, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	accepts, err := json.Marshal(struct {
		X402Version int      `json:"x402Version"`
		Accepts     []Accept `json:"accepts"`
	}{doc.X402Version, doc.Accepts})
	if err != nil {
		return err
	}
	h.Set(HeaderChallenge, "x402 "+base64.StdEncoding.EncodeToString(full))
	h.Set(HeaderPaymentRequired, base64.StdEncoding.EncodeToString(accepts))
	return nil
}

// ParseChallenge decodes a primary challenge header value. Clients use it to
// build a proof for the advertised requirement.
func ParseChallenge(v string) (Document, error) {
	var doc Document
	const prefix = "x402 "
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		v = v[len(prefix):]
	}
	raw, err := decodeBase64(v)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(raw, &doc)
	return doc, err
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
