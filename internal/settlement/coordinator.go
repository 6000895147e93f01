// Package settlement coordinates envelope verification, on-chain
// submission, and escrow record creation. At most one settlement is in
// flight per paymentId at any time; duplicates join the in-flight attempt
// or receive the recorded result.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/facilitator/internal/chain"
	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/metrics"
	"github.com/mbd888/facilitator/internal/retry"
	"github.com/mbd888/facilitator/internal/sigverify"
	"github.com/mbd888/facilitator/internal/syncutil"
	"github.com/mbd888/facilitator/internal/traces"
	"github.com/mbd888/facilitator/pkg/x402"
)

var (
	// ErrVerificationFailed wraps the verifier's reason when an envelope
	// does not pass signature checks.
	ErrVerificationFailed = errors.New("settlement: verification failed")

	// ErrNotSettleable is returned for claim/refund requests against
	// payments that cannot take the transition.
	ErrNotSettleable = errors.New("settlement: payment not in a settleable state")
)

// ChainClient is the escrow contract surface the coordinator needs.
type ChainClient interface {
	CreatePaymentWithPermit(ctx context.Context, p chain.CreateParams) (*chain.SubmitResult, error)
	ClaimPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error)
	RefundPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*chain.Confirmation, error)
	ObserveReceipt(ctx context.Context, txHash string) (*chain.Confirmation, error)
}

var _ ChainClient = (*chain.Client)(nil)

// Settlement is the recorded outcome of a settle request.
type Settlement struct {
	PaymentID string `json:"paymentId"`
	TxRef     string `json:"txRef"`
	Confirmed bool   `json:"confirmed"`
}

// Options tune retry and confirmation behavior.
type Options struct {
	MaxAttempts    int           // chain submission attempts per settle
	BaseDelay      time.Duration // initial backoff between attempts
	ConfirmTimeout time.Duration // how long Settle waits for finality
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
}

// Coordinator drives the settle/claim/refund flows.
type Coordinator struct {
	verifier *sigverify.Verifier
	nonces   sigverify.NonceStore
	chain    ChainClient
	escrow   *escrow.StateMachine
	inflight *syncutil.InflightGroup
	locks    *syncutil.KeyMutex
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewCoordinator wires the verification, chain, and escrow layers together.
func NewCoordinator(verifier *sigverify.Verifier, nonces sigverify.NonceStore, cc ChainClient, sm *escrow.StateMachine, logger *slog.Logger, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		verifier: verifier,
		nonces:   nonces,
		chain:    cc,
		escrow:   sm,
		inflight: syncutil.NewInflightGroup(),
		locks:    syncutil.NewKeyMutex(),
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (co *Coordinator) WithClock(now func() time.Time) *Coordinator {
	co.now = now
	return co
}

// Verify checks an envelope without settling it. Never consumes the nonce,
// so a verified envelope can still be settled later.
func (co *Coordinator) Verify(ctx context.Context, env *x402.PaymentEnvelope) (*sigverify.Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.verify", traces.PaymentID(env.Payload.PaymentID))
	defer span.End()

	res, err := co.verifier.Verify(ctx, env)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.VerificationsTotal.WithLabelValues(verifyOutcome(res)).Inc()
	return res, nil
}

func verifyOutcome(res *sigverify.Result) string {
	if res.Valid {
		return "valid"
	}
	switch {
	case errors.Is(res.Reason, sigverify.ErrSignerMismatch):
		return "signer_mismatch"
	case errors.Is(res.Reason, sigverify.ErrExpired):
		return "expired"
	case errors.Is(res.Reason, sigverify.ErrReplayDetected):
		return "replay"
	default:
		return "invalid"
	}
}

// Settle verifies the envelope, consumes its nonce, submits the composite
// settlement transaction, and records the PENDING escrow payment.
// Concurrent calls for the same paymentId share one submission; a settle
// for an already-recorded payment returns the recorded settlement.
func (co *Coordinator) Settle(ctx context.Context, env *x402.PaymentEnvelope) (*Settlement, error) {
	id := env.Payload.PaymentID
	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.PaymentID(id), traces.Amount(env.Payload.Amount))
	defer span.End()

	v, shared, err := co.inflight.Do(ctx, id, func() (interface{}, error) {
		return co.settle(ctx, env)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
	}
	return v.(*Settlement), nil
}

func (co *Coordinator) settle(ctx context.Context, env *x402.PaymentEnvelope) (*Settlement, error) {
	id := env.Payload.PaymentID
	payer := strings.ToLower(env.Payload.Payer)
	log := co.logger.With("payment_id", id, "payer", payer)

	// Already recorded: settle is idempotent.
	if p, err := co.escrow.Get(ctx, id); err == nil {
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return &Settlement{PaymentID: id, TxRef: p.TxHash, Confirmed: p.Confirmed}, nil
	} else if !errors.Is(err, escrow.ErrPaymentNotFound) {
		return nil, err
	}

	res, err := co.verifier.Verify(ctx, env)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		metrics.SettlementsTotal.WithLabelValues("fatal_error").Inc()
		log.Warn("settle rejected", "reason", res.Reason,
			"permit_signer", res.RecoveredPermitSigner, "intent_signer", res.RecoveredIntentSigner)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, res.Reason)
	}

	if err := co.nonces.Consume(ctx, payer, id); err != nil {
		if errors.Is(err, sigverify.ErrNonceConsumed) {
			// Lost a race with another settle for the same id; surface the
			// recorded outcome if one exists.
			if p, gerr := co.escrow.Get(ctx, id); gerr == nil {
				metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
				return &Settlement{PaymentID: id, TxRef: p.TxHash, Confirmed: p.Confirmed}, nil
			}
			return nil, err
		}
		return nil, err
	}

	params := chain.CreateParams{
		PaymentID:  id,
		Payer:      env.Payload.Payer,
		Recipient:  env.Payload.Recipient,
		Amount:     env.AmountInt(),
		Duration:   env.Payload.Duration,
		Deadline:   env.Payload.Deadline,
		PermitSig:  common.FromHex(env.Payload.PermitSignature),
		PaymentSig: common.FromHex(env.Payload.PaymentSignature),
	}

	started := co.now()
	var submit *chain.SubmitResult
	err = retry.Do(ctx, co.opts.MaxAttempts, co.opts.BaseDelay, func() error {
		r, serr := co.chain.CreatePaymentWithPermit(ctx, params)
		if serr != nil {
			if chain.IsRetryable(serr) {
				log.Warn("settlement submit failed, will retry", "error", serr)
				return serr
			}
			return retry.Permanent(serr)
		}
		submit = r
		return nil
	})
	if err != nil {
		if chain.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The envelope stays usable for a later attempt.
			if rerr := co.nonces.Release(ctx, payer, id); rerr != nil {
				log.Error("nonce release failed", "error", rerr)
			}
			metrics.SettlementsTotal.WithLabelValues("retryable_error").Inc()
		} else {
			metrics.SettlementsTotal.WithLabelValues("fatal_error").Inc()
		}
		log.Error("settlement submission failed", "error", err)
		return nil, err
	}

	expiresAt := started.Add(time.Duration(env.Payload.Duration) * time.Second)
	if _, err := co.escrow.Create(ctx, &escrow.Payment{
		PaymentID: id,
		Payer:     env.Payload.Payer,
		Recipient: env.Payload.Recipient,
		Amount:    env.Payload.Amount,
		TxHash:    submit.TxHash,
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatePending)).Inc()
	log.Info("settlement broadcast", "tx_hash", submit.TxHash, "nonce", submit.Nonce)

	conf, err := co.chain.WaitForConfirmation(ctx, submit.TxHash, co.opts.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrTimeout) {
			// The reconciler picks up unconfirmed payments later.
			metrics.SettlementsTotal.WithLabelValues("unconfirmed").Inc()
			log.Warn("settlement unconfirmed before timeout", "tx_hash", submit.TxHash)
			return &Settlement{PaymentID: id, TxRef: submit.TxHash, Confirmed: false}, nil
		}
		metrics.SettlementsTotal.WithLabelValues("fatal_error").Inc()
		log.Error("settlement transaction failed", "tx_hash", submit.TxHash, "error", err)
		return nil, err
	}

	if _, err := co.escrow.MarkConfirmed(ctx, id); err != nil {
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	metrics.SettlementDuration.Observe(co.now().Sub(started).Seconds())
	log.Info("settlement confirmed", "tx_hash", conf.TxHash, "block", conf.BlockNumber)

	return &Settlement{PaymentID: id, TxRef: submit.TxHash, Confirmed: true}, nil
}

// Claim submits the on-chain claim for a pending payment and, once the
// transaction is final, moves the escrow record to CLAIMED. Claims for the
// same paymentId are serialized.
func (co *Coordinator) Claim(ctx context.Context, paymentID, callerAddr string) (*escrow.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.claim", traces.PaymentID(paymentID))
	defer span.End()

	unlock, err := co.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := co.escrow.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != escrow.StatePending {
		return nil, fmt.Errorf("%w: state is %s", ErrNotSettleable, p.State)
	}
	if !strings.EqualFold(callerAddr, p.Recipient) {
		return nil, escrow.ErrUnauthorized
	}

	return co.resolveOnChain(ctx, p, callerAddr, escrow.StateClaimed)
}

// Refund submits the on-chain refund for an expired pending payment and,
// once final, moves the escrow record to REFUNDED.
func (co *Coordinator) Refund(ctx context.Context, paymentID, callerAddr string) (*escrow.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund", traces.PaymentID(paymentID))
	defer span.End()

	unlock, err := co.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := co.escrow.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != escrow.StatePending {
		return nil, fmt.Errorf("%w: state is %s", ErrNotSettleable, p.State)
	}
	if !strings.EqualFold(callerAddr, p.Payer) {
		return nil, escrow.ErrUnauthorized
	}
	if co.now().Before(p.ExpiresAt) {
		return nil, escrow.ErrNotYetExpired
	}

	return co.resolveOnChain(ctx, p, callerAddr, escrow.StateRefunded)
}

// resolveOnChain broadcasts the outcome transaction, waits for finality,
// then applies the escrow transition. The record only moves once the chain
// has moved.
func (co *Coordinator) resolveOnChain(ctx context.Context, p *escrow.Payment, callerAddr string, outcome escrow.State) (*escrow.Payment, error) {
	log := co.logger.With("payment_id", p.PaymentID, "outcome", string(outcome))

	var submit *chain.SubmitResult
	err := retry.Do(ctx, co.opts.MaxAttempts, co.opts.BaseDelay, func() error {
		var serr error
		var r *chain.SubmitResult
		if outcome == escrow.StateClaimed {
			r, serr = co.chain.ClaimPayment(ctx, p.PaymentID)
		} else {
			r, serr = co.chain.RefundPayment(ctx, p.PaymentID)
		}
		if serr != nil {
			if chain.IsRetryable(serr) {
				return serr
			}
			return retry.Permanent(serr)
		}
		submit = r
		return nil
	})
	if err != nil {
		log.Error("outcome submission failed", "error", err)
		return nil, err
	}

	conf, err := co.chain.WaitForConfirmation(ctx, submit.TxHash, co.opts.ConfirmTimeout)
	if err != nil {
		log.Error("outcome transaction failed", "tx_hash", submit.TxHash, "error", err)
		return nil, err
	}

	var updated *escrow.Payment
	if outcome == escrow.StateClaimed {
		updated, err = co.escrow.Claim(ctx, p.PaymentID, callerAddr, conf.TxHash)
	} else {
		updated, err = co.escrow.Refund(ctx, p.PaymentID, callerAddr, conf.TxHash)
	}
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(outcome)).Inc()
	log.Info("payment resolved", "tx_hash", conf.TxHash, "block", conf.BlockNumber)
	return updated, nil
}

// Payment returns the escrow record for a payment id.
func (co *Coordinator) Payment(ctx context.Context, paymentID string) (*escrow.Payment, error) {
	return co.escrow.Get(ctx, paymentID)
}
