package escrow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("escrow: not found")
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	ErrNotForward    = errors.New("escrow: transition is not forward")
	ErrVerdictSet    = errors.New("escrow: verdict already set")
	ErrNoVerdict     = errors.New("escrow: verdict missing")
	ErrSettled       = errors.New("escrow: settlement already recorded")
	ErrNotReconcile  = errors.New("escrow: settlement is not awaiting reconciliation")
)

// Registry owns every escrow record. Each call copies records out under the
// lock, so a returned snapshot is the state at the moment of that call.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int64]*Escrow
	nextID int64

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   map[int64]*Escrow{},
		nextID: 1,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Create stores e in status Created. preferredID (a ledger-assigned id) is used
// when positive and free; otherwise the next local id is assigned.
func (r *Registry) Create(e Escrow, preferredID int64) (Escrow, error) {
	if e.Amount <= 0 {
		return Escrow{}, ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := preferredID
	if id <= 0 || r.byID[id] != nil {
		for r.byID[r.nextID] != nil {
			r.nextID++
		}
		id = r.nextID
	}
	if id >= r.nextID {
		r.nextID = id + 1
	}

	rec := e.Clone()
	rec.ID = id
	rec.Status = StatusCreated
	rec.Result = ""
	rec.Verdict = nil
	rec.SettlementRef = ""
	rec.SettlementState = ""
	rec.LedgerTx = ""
	rec.SettleAttempts = 0
	rec.ResolvedAt = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	r.byID[id] = &rec
	return rec.Clone(), nil
}

func (r *Registry) Get(id int64) (Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.byID[id]
	if rec == nil {
		return Escrow{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns every record, newest first.
func (r *Registry) List() []Escrow {
	r.mu.RLock()
	out := make([]Escrow, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sortRecent(out)
	return out
}

// Pending returns non-terminal records, oldest first.
func (r *Registry) Pending() []Escrow {
	return r.filter(func(e *Escrow) bool { return !e.Status.Terminal() })
}

// Unconfirmed returns terminal records whose settlement still awaits the ledger.
func (r *Registry) Unconfirmed() []Escrow {
	return r.filter(func(e *Escrow) bool { return e.SettlementState == SettlementUnconfirmed })
}

func (r *Registry) filter(keep func(*Escrow) bool) []Escrow {
	r.mu.RLock()
	var out []Escrow
	for _, rec := range r.byID {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) SubmitResult(id int64, result string) (Escrow, error) {
	return r.advance(id, StatusResultSubmitted, func(e *Escrow) error {
		e.Result = result
		return nil
	})
}

func (r *Registry) BeginJudging(id int64) (Escrow, error) {
	return r.advance(id, StatusJudging, nil)
}

// SetVerdict attaches the judge's verdict. Only valid while Judging, and only once.
func (r *Registry) SetVerdict(id int64, v Verdict) (Escrow, error) {
	return r.mutate(id, func(e *Escrow) error {
		if e.Status != StatusJudging {
			return fmt.Errorf("%w: verdict in status %s", ErrNotForward, e.Status)
		}
		if e.Verdict != nil {
			return ErrVerdictSet
		}
		vv := v.clone()
		e.Verdict = &vv
		return nil
	})
}

// Resolve moves a judged record into the terminal status implied by its
// verdict and records the settlement reference and resolution time.
func (r *Registry) Resolve(id int64, ref string, state SettlementState) (Escrow, error) {
	if ref == "" {
		return Escrow{}, errors.New("escrow: empty settlement reference")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.byID[id]
	if rec == nil {
		return Escrow{}, ErrNotFound
	}
	if rec.Verdict == nil {
		return Escrow{}, ErrNoVerdict
	}
	if rec.SettlementRef != "" {
		return Escrow{}, ErrSettled
	}
	next := rec.Verdict.Outcome()
	if next.Rank() <= rec.Status.Rank() {
		return Escrow{}, fmt.Errorf("%w: %s -> %s", ErrNotForward, rec.Status, next)
	}
	now := r.now().UTC()
	if now.Before(rec.CreatedAt) {
		now = rec.CreatedAt
	}
	rec.Status = next
	rec.SettlementRef = ref
	rec.SettlementState = state
	rec.SettleAttempts++
	rec.ResolvedAt = &now
	return rec.Clone(), nil
}

// RecordSettleAttempt counts a failed reconciliation retry.
func (r *Registry) RecordSettleAttempt(id int64) (Escrow, error) {
	return r.mutate(id, func(e *Escrow) error {
		if e.SettlementState != SettlementUnconfirmed {
			return ErrNotReconcile
		}
		e.SettleAttempts++
		return nil
	})
}

// MarkReconciled records ledger finality for an unconfirmed settlement. The
// original settlement reference is kept; the confirmed transaction goes to LedgerTx.
func (r *Registry) MarkReconciled(id int64, ledgerTx string) (Escrow, error) {
	return r.mutate(id, func(e *Escrow) error {
		if e.SettlementState != SettlementUnconfirmed {
			return ErrNotReconcile
		}
		e.SettlementState = SettlementReconciled
		e.LedgerTx = ledgerTx
		e.SettleAttempts++
		return nil
	})
}

// Restore loads previously persisted records, e.g. from the index at startup.
// Existing ids are overwritten only by records that are at least as far along.
func (r *Registry) Restore(recs []Escrow) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range recs {
		if e.ID <= 0 || !e.Status.Valid() {
			continue
		}
		if cur := r.byID[e.ID]; cur != nil && cur.Status.Rank() > e.Status.Rank() {
			continue
		}
		rec := e.Clone()
		r.byID[e.ID] = &rec
		if e.ID >= r.nextID {
			r.nextID = e.ID + 1
		}
		n++
	}
	return n
}

func (r *Registry) advance(id int64, next Status, fn func(*Escrow) error) (Escrow, error) {
	return r.mutate(id, func(e *Escrow) error {
		if next.Rank() <= e.Status.Rank() {
			return fmt.Errorf("%w: %s -> %s", ErrNotForward, e.Status, next)
		}
		if fn != nil {
			if err := fn(e); err != nil {
				return err
			}
		}
		e.Status = next
		return nil
	})
}

func (r *Registry) mutate(id int64, fn func(*Escrow) error) (Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.byID[id]
	if rec == nil {
		return Escrow{}, ErrNotFound
	}
	tmp := rec.Clone()
	if err := fn(&tmp); err != nil {
		return Escrow{}, err
	}
	*rec = tmp
	return tmp.Clone(), nil
}

func sortRecent(out []Escrow) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
}
