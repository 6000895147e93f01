// Package escrow models the lifecycle of a settled payment.
//
// Flow:
//  1. Facilitator settles a verified envelope on-chain → record created PENDING
//  2. Recipient claims → CLAIMED (terminal)
//  3. Payer refunds after expiry → REFUNDED (terminal)
//  4. Dispute engine freezes a payment → DISPUTED, later resolved to
//     CLAIMED or REFUNDED by arbitration outcome
//
// Transitions are authoritative only once the corresponding transaction is
// confirmed on chain; local submission alone never moves a record. Terminal
// records are archived, never deleted.
package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrPaymentNotFound        = errors.New("escrow: payment not found")
	ErrPaymentExists          = errors.New("escrow: payment id already exists")
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	ErrNotYetExpired          = errors.New("escrow: refund before expiry")
	ErrUnauthorized           = errors.New("escrow: caller not authorized for this transition")
)

// State represents the lifecycle state of a payment.
type State string

const (
	StatePending  State = "pending"  // created with the on-chain settlement
	StateClaimed  State = "claimed"  // terminal: funds went to the recipient
	StateRefunded State = "refunded" // terminal: funds returned to the payer
	StateDisputed State = "disputed" // frozen pending arbitration
)

// Payment is an escrowed payment record. Amount is a base-10 integer string
// in the token's smallest denomination.
type Payment struct {
	PaymentID  string     `json:"paymentId"`
	Payer      string     `json:"payer"`
	Recipient  string     `json:"recipient"`
	Amount     string     `json:"amount"`
	State      State      `json:"state"`
	TxHash     string     `json:"txHash"`               // settlement transaction
	OutcomeTx  string     `json:"outcomeTx,omitempty"`  // claim/refund transaction
	Confirmed  bool       `json:"confirmed"`            // settlement reached finality depth
	Archived   bool       `json:"archived"`             // terminal and archived
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the payment reached a final state.
func (p *Payment) IsTerminal() bool {
	return p.State == StateClaimed || p.State == StateRefunded
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, paymentID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListUnconfirmed(ctx context.Context, limit int) ([]*Payment, error)
	ListByAgent(ctx context.Context, addr string, limit int) ([]*Payment, error)
	ListAgents(ctx context.Context) ([]string, error)
}

// StateMachine applies lifecycle transitions to payment records. All
// mutations for one paymentId are serialized through a per-id lock.
type StateMachine struct {
	store Store
	locks sync.Map // paymentID → *sync.Mutex
	now   func() time.Time
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(store Store) *StateMachine {
	return &StateMachine{store: store, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (sm *StateMachine) WithClock(now func() time.Time) *StateMachine {
	sm.now = now
	return sm
}

func (sm *StateMachine) lock(paymentID string) *sync.Mutex {
	v, _ := sm.locks.LoadOrStore(paymentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create records a new PENDING payment. The caller (the settlement
// coordinator) must have verified signatures and broadcast the settlement
// transaction already; duplicate payment ids are rejected.
func (sm *StateMachine) Create(ctx context.Context, p *Payment) (*Payment, error) {
	mu := sm.lock(p.PaymentID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := sm.store.Get(ctx, p.PaymentID); err == nil {
		return nil, ErrPaymentExists
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	now := sm.now()
	p.Payer = strings.ToLower(p.Payer)
	p.Recipient = strings.ToLower(p.Recipient)
	p.State = StatePending
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := sm.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkConfirmed flags the settlement transaction as durable after it
// reached the finality threshold.
func (sm *StateMachine) MarkConfirmed(ctx context.Context, paymentID string) (*Payment, error) {
	mu := sm.lock(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := sm.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Confirmed {
		return p, nil
	}
	p.Confirmed = true
	p.UpdatedAt = sm.now()
	if err := sm.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Claim moves a PENDING payment to CLAIMED. Allowed any time before or
// after expiry, but only for the recipient, and only once the claim
// transaction is chain-confirmed (outcomeTx).
func (sm *StateMachine) Claim(ctx context.Context, paymentID, callerAddr, outcomeTx string) (*Payment, error) {
	mu := sm.lock(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := sm.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, p.Recipient) {
		return nil, ErrUnauthorized
	}
	if p.State != StatePending {
		return nil, ErrInvalidStateTransition
	}
	return sm.finalize(ctx, p, StateClaimed, outcomeTx)
}

// Refund moves a PENDING payment to REFUNDED. Only the payer may refund,
// and only at or after expiry.
func (sm *StateMachine) Refund(ctx context.Context, paymentID, callerAddr, outcomeTx string) (*Payment, error) {
	mu := sm.lock(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := sm.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, p.Payer) {
		return nil, ErrUnauthorized
	}
	if p.State != StatePending {
		return nil, ErrInvalidStateTransition
	}
	if sm.now().Before(p.ExpiresAt) {
		return nil, ErrNotYetExpired
	}
	return sm.finalize(ctx, p, StateRefunded, outcomeTx)
}

// Dispute freezes a PENDING payment until arbitration resolves it. Claims
// and refunds fail with ErrInvalidStateTransition while disputed.
func (sm *StateMachine) Dispute(ctx context.Context, paymentID string) (*Payment, error) {
	mu := sm.lock(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := sm.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StatePending {
		return nil, ErrInvalidStateTransition
	}
	p.State = StateDisputed
	p.UpdatedAt = sm.now()
	if err := sm.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve drives a DISPUTED payment to its arbitration outcome, which must
// be CLAIMED or REFUNDED.
func (sm *StateMachine) Resolve(ctx context.Context, paymentID string, outcome State, outcomeTx string) (*Payment, error) {
	if outcome != StateClaimed && outcome != StateRefunded {
		return nil, ErrInvalidStateTransition
	}

	mu := sm.lock(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := sm.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateDisputed {
		return nil, ErrInvalidStateTransition
	}
	return sm.finalize(ctx, p, outcome, outcomeTx)
}

// finalize applies a terminal state and archives the record. Caller holds
// the per-id lock.
func (sm *StateMachine) finalize(ctx context.Context, p *Payment, outcome State, outcomeTx string) (*Payment, error) {
	now := sm.now()
	p.State = outcome
	p.OutcomeTx = outcomeTx
	p.Archived = true
	p.ResolvedAt = &now
	p.UpdatedAt = now
	if err := sm.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a payment by id.
func (sm *StateMachine) Get(ctx context.Context, paymentID string) (*Payment, error) {
	return sm.store.Get(ctx, paymentID)
}

// ListByAgent returns payments involving an address as payer or recipient.
func (sm *StateMachine) ListByAgent(ctx context.Context, addr string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return sm.store.ListByAgent(ctx, strings.ToLower(addr), limit)
}
