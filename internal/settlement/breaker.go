package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/facilitator/internal/chain"
	"github.com/mbd888/facilitator/internal/circuitbreaker"
)

// ErrCircuitOpen indicates the chain circuit is open and the submission was
// rejected without touching the RPC endpoint.
var ErrCircuitOpen = errors.New("settlement: chain circuit open")

const breakerKey = "chain_submit"

// BreakerClient wraps a ChainClient with a circuit breaker on the write
// path. When the RPC endpoint fails repeatedly, submissions short-circuit
// with a retryable error instead of piling up behind a dead connection.
// Reads (confirmation polling, receipt lookups) pass through untouched.
type BreakerClient struct {
	inner   ChainClient
	breaker *circuitbreaker.Breaker
}

// NewBreakerClient wraps cc with a circuit breaker that opens after
// threshold consecutive submission failures.
func NewBreakerClient(cc ChainClient, threshold int, openDuration time.Duration) *BreakerClient {
	return &BreakerClient{
		inner:   cc,
		breaker: circuitbreaker.New(threshold, openDuration),
	}
}

var _ ChainClient = (*BreakerClient)(nil)

// circuitOpenErr is retryable: the nonce must come back so the envelope can
// be resettled once the endpoint recovers.
func circuitOpenErr(op string) error {
	return &chain.SubmitError{Op: op, Retryable: true, Err: ErrCircuitOpen}
}

func (b *BreakerClient) submit(op string, call func() (*chain.SubmitResult, error)) (*chain.SubmitResult, error) {
	if !b.breaker.Allow(breakerKey) {
		return nil, circuitOpenErr(op)
	}
	res, err := call()
	if err != nil {
		// Only transport-level failures trip the breaker; a revert means
		// the endpoint is healthy and the transaction is just bad.
		if chain.IsRetryable(err) {
			b.breaker.RecordFailure(breakerKey)
		}
		return nil, err
	}
	b.breaker.RecordSuccess(breakerKey)
	return res, nil
}

func (b *BreakerClient) CreatePaymentWithPermit(ctx context.Context, p chain.CreateParams) (*chain.SubmitResult, error) {
	return b.submit("createPaymentWithPermit", func() (*chain.SubmitResult, error) {
		return b.inner.CreatePaymentWithPermit(ctx, p)
	})
}

func (b *BreakerClient) ClaimPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error) {
	return b.submit("claimPayment", func() (*chain.SubmitResult, error) {
		return b.inner.ClaimPayment(ctx, paymentID)
	})
}

func (b *BreakerClient) RefundPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error) {
	return b.submit("refundPayment", func() (*chain.SubmitResult, error) {
		return b.inner.RefundPayment(ctx, paymentID)
	})
}

func (b *BreakerClient) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*chain.Confirmation, error) {
	return b.inner.WaitForConfirmation(ctx, txHash, timeout)
}

func (b *BreakerClient) ObserveReceipt(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	return b.inner.ObserveReceipt(ctx, txHash)
}

// Close releases the wrapped client's resources.
func (b *BreakerClient) Close() error {
	if c, ok := b.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
