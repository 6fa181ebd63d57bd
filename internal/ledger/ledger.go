package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"trustgate.ai/internal/escrow"
)

// Error is any failure of the settlement backend.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNoCreatedEvent = errors.New("no EscrowCreated event in receipt")
	ErrReverted       = errors.New("transaction reverted")
)

// MaxAllowance is the maximal uint256 allowance.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EscrowCreatedTopic is topic[0] of EscrowCreated(uint256,address,address,uint256).
var EscrowCreatedTopic = Keccak256([]byte("EscrowCreated(uint256,address,address,uint256)"))

type Log struct {
	Address string
	Topics  [][32]byte
	Data    []byte
}

type Receipt struct {
	TxHash string
	Logs   []Log
}

// ResolveCall is one resolution transaction against the escrow contract.
type ResolveCall struct {
	Method          string // resolveApprove|resolveRefund|resolvePartial
	EscrowID        *big.Int
	Score           uint8
	PercentToSeller uint8
}

// Chain is the raw contract surface. Every method blocks until the
// transaction is mined.
type Chain interface {
	Operator() string
	Allowance(ctx context.Context) (*big.Int, error)
	Approve(ctx context.Context, amount *big.Int) (Receipt, error)
	CreateEscrow(ctx context.Context, seller, arbiter string, amount *big.Int, taskHash [32]byte) (Receipt, error)
	Resolve(ctx context.Context, call ResolveCall) (Receipt, error)
}

type Settlement struct {
	Ref       string
	Simulated bool
}

type Options struct {
	CallTimeout time.Duration
	Logger      *log.Logger
}

// Connector turns settlement intents into contract calls. A nil chain means
// no ledger is configured: OpenEscrow returns 0 and Settle returns a
// simulated reference.
type Connector struct {
	chain   Chain
	timeout time.Duration
	log     *log.Logger

	// Operator transactions share one account nonce.
	txMu sync.Mutex
}

func NewConnector(chain Chain, opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	return &Connector{chain: chain, timeout: opts.CallTimeout, log: opts.Logger}
}

func (c *Connector) Simulated() bool { return c == nil || c.chain == nil }

// JudgeRef is the arbiter address registered on new escrows.
func (c *Connector) JudgeRef() string {
	if c.Simulated() {
		return ""
	}
	return c.chain.Operator()
}

func Keccak256(b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// TaskHash is the on-chain commitment to the task text.
func TaskHash(task string) [32]byte { return Keccak256([]byte(task)) }

func SimulatedRef() string { return "sim:" + uuid.NewString() }

// OpenEscrow locks amount for counterparty and returns the ledger-assigned id,
// or 0 when no ledger is configured.
func (c *Connector) OpenEscrow(ctx context.Context, counterparty string, amount int64, taskHash [32]byte, judgeRef string) (int64, error) {
	if c.Simulated() {
		return 0, nil
	}
	if amount <= 0 {
		return 0, &Error{Op: "create", Err: fmt.Errorf("amount must be positive")}
	}
	if judgeRef == "" {
		judgeRef = c.chain.Operator()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.txMu.Lock()
	defer c.txMu.Unlock()

	amt := big.NewInt(amount)
	if err := c.ensureAllowance(ctx, amt); err != nil {
		return 0, err
	}
	rc, err := c.chain.CreateEscrow(ctx, counterparty, judgeRef, amt, taskHash)
	if err != nil {
		return 0, &Error{Op: "create", Err: err}
	}
	id, err := createdID(rc)
	if err != nil {
		return 0, &Error{Op: "create", Err: err}
	}
	c.log.Printf("ledger: created escrow=%d tx=%s", id, rc.TxHash)
	return id, nil
}

// ensureAllowance raises the operator's allowance to the maximum when it does
// not cover amount. A non-zero allowance is reset to zero first; the token
// rejects changing one non-zero allowance to another.
func (c *Connector) ensureAllowance(ctx context.Context, amount *big.Int) error {
	cur, err := c.chain.Allowance(ctx)
	if err != nil {
		return &Error{Op: "allowance", Err: err}
	}
	if cur.Cmp(amount) >= 0 {
		return nil
	}
	if cur.Sign() > 0 {
		c.log.Printf("ledger: resetting allowance to 0")
		if _, err := c.chain.Approve(ctx, big.NewInt(0)); err != nil {
			return &Error{Op: "approve", Err: err}
		}
	}
	c.log.Printf("ledger: approving max allowance")
	if _, err := c.chain.Approve(ctx, MaxAllowance); err != nil {
		return &Error{Op: "approve", Err: err}
	}
	return nil
}

func createdID(rc Receipt) (int64, error) {
	for _, l := range rc.Logs {
		if len(l.Topics) < 2 || l.Topics[0] != EscrowCreatedTopic {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1][:])
		if !id.IsInt64() || id.Sign() <= 0 {
			return 0, fmt.Errorf("escrow id out of range: %s", id)
		}
		return id.Int64(), nil
	}
	return 0, ErrNoCreatedEvent
}

// Settle resolves the ledger escrow according to v and blocks until the
// backend confirms. Escrows without a ledger binding (id 0) settle locally.
func (c *Connector) Settle(ctx context.Context, ledgerID int64, v escrow.Verdict) (Settlement, error) {
	if c.Simulated() || ledgerID <= 0 {
		return Settlement{Ref: SimulatedRef(), Simulated: true}, nil
	}
	call := ResolveCall{
		EscrowID: big.NewInt(ledgerID),
		Score:    clampScore(v.Score),
	}
	switch v.Outcome() {
	case escrow.StatusPartial:
		call.Method = "resolvePartial"
		call.PercentToSeller = uint8(min(max(*v.SplitPercent, 0), 100))
	case escrow.StatusApproved:
		call.Method = "resolveApprove"
	default:
		call.Method = "resolveRefund"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.txMu.Lock()
	defer c.txMu.Unlock()

	rc, err := c.chain.Resolve(ctx, call)
	if err != nil {
		return Settlement{}, &Error{Op: "settle", Err: err}
	}
	c.log.Printf("ledger: %s escrow=%d score=%d tx=%s", call.Method, ledgerID, call.Score, rc.TxHash)
	return Settlement{Ref: rc.TxHash}, nil
}

func clampScore(s int) uint8 {
	if s < 0 {
		return 0
	}
	if s > 255 {
		return 255
	}
	return uint8(s)
}
