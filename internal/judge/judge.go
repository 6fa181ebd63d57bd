// Package judge asks an external scorer whether delivered work meets the
// buyer's criteria. Scoring failures never surface: the client degrades to a
// conservative reject verdict.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"trustgate.ai/internal/escrow"
)

// FallbackReason is the verdict reason used whenever the scorer fails.
const FallbackReason = "judge unreachable"

// Fallback is the verdict substituted for any scorer failure.
func Fallback() escrow.Verdict {
	return escrow.Verdict{Score: 0, Decision: escrow.DecisionReject, Reason: FallbackReason}
}

// Error is a scorer failure. Client logs it and returns Fallback.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("judge: %s: %v", e.Provider, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

type Request struct {
	Task     string
	Criteria string
	Result   string
}

// Scorer returns the raw JSON object a model produced for req.
type Scorer interface {
	Name() string
	Score(ctx context.Context, req Request) (json.RawMessage, error)
}

// Output is the scorer's JSON verdict.
type Output struct {
	Score           float64 `json:"score"`
	Verdict         string  `json:"verdict"`
	Reason          string  `json:"reason"`
	PercentToSeller *int    `json:"percentToSeller,omitempty"`
}

const outputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score", "verdict"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 100},
    "verdict": {"type": "string", "enum": ["approve", "reject", "APPROVE", "REJECT", "Approve", "Reject"]},
    "reason": {"type": "string"},
    "percentToSeller": {"type": "integer", "minimum": 0, "maximum": 100}
  }
}`

type Options struct {
	Timeout    time.Duration
	AllowSplit bool
	Logger     *log.Logger
	// OnFallback is called once per substituted verdict.
	OnFallback func(err error)
}

type Client struct {
	scorer     Scorer
	schema     *jsonschema.Schema
	timeout    time.Duration
	allowSplit bool
	log        *log.Logger
	onFallback func(error)
}

func New(s Scorer, opts Options) (*Client, error) {
	if s == nil {
		return nil, errors.New("judge: nil scorer")
	}
	schema, err := jsonschema.CompileString("verdict.schema.json", outputSchema)
	if err != nil {
		return nil, fmt.Errorf("judge: compile schema: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		scorer:     s,
		schema:     schema,
		timeout:    opts.Timeout,
		allowSplit: opts.AllowSplit,
		log:        opts.Logger,
		onFallback: opts.OnFallback,
	}, nil
}

func (c *Client) Provider() string { return c.scorer.Name() }

// Score makes a single scoring attempt. It never returns an error.
func (c *Client) Score(ctx context.Context, task, criteria, result string) escrow.Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.scorer.Score(ctx, Request{Task: task, Criteria: criteria, Result: result})
	if err != nil {
		return c.fallback(&Error{Provider: c.scorer.Name(), Err: err})
	}
	v, err := c.parse(raw)
	if err != nil {
		return c.fallback(&Error{Provider: c.scorer.Name(), Err: err})
	}
	return v
}

func (c *Client) fallback(err error) escrow.Verdict {
	c.log.Printf("judge: fallback verdict: %v", err)
	if c.onFallback != nil {
		c.onFallback(err)
	}
	return Fallback()
}

func (c *Client) parse(raw json.RawMessage) (escrow.Verdict, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return escrow.Verdict{}, fmt.Errorf("decode output: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return escrow.Verdict{}, fmt.Errorf("invalid output: %w", err)
	}
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return escrow.Verdict{}, fmt.Errorf("decode output: %w", err)
	}

	v := escrow.Verdict{
		Score:    int(out.Score + 0.5),
		Decision: escrow.DecisionReject,
		Reason:   strings.TrimSpace(out.Reason),
	}
	if strings.EqualFold(out.Verdict, string(escrow.DecisionApprove)) {
		v.Decision = escrow.DecisionApprove
	}
	if v.Reason == "" {
		v.Reason = "no reason given"
	}
	if c.allowSplit && out.PercentToSeller != nil && *out.PercentToSeller > 0 && *out.PercentToSeller < 100 {
		p := *out.PercentToSeller
		v.SplitPercent = &p
	}
	return v, nil
}

// Prompt renders the scoring instructions shared by the model-backed scorers.
func Prompt(req Request, allowSplit bool) string {
	var b strings.Builder
	b.WriteString("You are an AI Arbiter for a service marketplace. Evaluate the delivery.\n")
	fmt.Fprintf(&b, "Task: %s\n", req.Task)
	fmt.Fprintf(&b, "Quality Criteria: %s\n\n", req.Criteria)
	fmt.Fprintf(&b, "Delivered Result:\n%s\n\n", req.Result)
	b.WriteString("Evaluate the result and output JSON with:\n")
	b.WriteString("- score: 0 to 100 based on quality and matching criteria\n")
	if allowSplit {
		b.WriteString("- verdict: \"approve\" (score >= 50) or \"reject\" (score < 50)\n")
		b.WriteString("- percentToSeller: optional, 1 to 99 when the work is only partially done\n")
	} else {
		b.WriteString("- verdict: \"approve\" (score >= 50) or \"reject\" (score < 50). The work is either done or not done, there is no middle ground.\n")
	}
	b.WriteString("- reason: brief explanation\n\n")
	b.WriteString("Respond strictly with JSON object.")
	return b.String()
}
