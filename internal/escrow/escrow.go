package escrow

import "time"

type Status string

const (
	StatusCreated         Status = "Created"
	StatusResultSubmitted Status = "ResultSubmitted"
	StatusJudging         Status = "Judging"
	StatusApproved        Status = "Approved"
	StatusRefunded        Status = "Refunded"
	StatusPartial         Status = "Partial"
)

// Rank orders statuses along the lifecycle. All terminal statuses share the
// highest rank so no terminal record can move to another terminal status.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusResultSubmitted:
		return 1
	case StatusJudging:
		return 2
	case StatusApproved, StatusRefunded, StatusPartial:
		return 3
	default:
		return -1
	}
}

func (s Status) Valid() bool    { return s.Rank() >= 0 }
func (s Status) Terminal() bool { return s.Rank() == 3 }

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type Verdict struct {
	Score    int      `json:"score"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	// SplitPercent is the seller's share for a three-way settlement (1..99).
	SplitPercent *int `json:"split_percent,omitempty"`
}

// Outcome is the terminal status this verdict settles into.
func (v Verdict) Outcome() Status {
	if v.SplitPercent != nil {
		return StatusPartial
	}
	if v.Decision == DecisionApprove {
		return StatusApproved
	}
	return StatusRefunded
}

func (v Verdict) clone() Verdict {
	if v.SplitPercent != nil {
		p := *v.SplitPercent
		v.SplitPercent = &p
	}
	return v
}

type SettlementState string

const (
	// SettlementConfirmed: the ledger confirmed finality.
	SettlementConfirmed SettlementState = "confirmed"
	// SettlementSimulated: no ledger binding, the reference is local.
	SettlementSimulated SettlementState = "simulated"
	// SettlementUnconfirmed: the ledger call failed; the reference is synthesized
	// and the reconciler keeps retrying.
	SettlementUnconfirmed SettlementState = "unconfirmed"
	// SettlementReconciled: a retry reached finality after an unconfirmed resolve.
	SettlementReconciled SettlementState = "reconciled"
)

type Escrow struct {
	ID              int64  `json:"id"`
	LedgerID        int64  `json:"ledger_id"`
	CounterpartyRef string `json:"counterparty_ref"`
	Seller          string `json:"seller,omitempty"`
	Payer           string `json:"payer,omitempty"`
	Task            string `json:"task"`
	QualityCriteria string `json:"quality_criteria"`
	Amount          int64  `json:"amount"`
	Status          Status `json:"status"`

	Result  string   `json:"result,omitempty"`
	Verdict *Verdict `json:"verdict,omitempty"`

	SettlementRef   string          `json:"settlement_ref,omitempty"`
	SettlementState SettlementState `json:"settlement_state,omitempty"`
	LedgerTx        string          `json:"ledger_tx,omitempty"`
	SettleAttempts  int             `json:"settle_attempts,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy that shares no pointers with e.
func (e Escrow) Clone() Escrow {
	if e.Verdict != nil {
		v := e.Verdict.clone()
		e.Verdict = &v
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		e.ResolvedAt = &t
	}
	return e
}
