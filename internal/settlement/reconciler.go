package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/facilitator/internal/chain"
	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/metrics"
)

const reconcileBatchSize = 100

// Reconciler sweeps payments whose settlement transaction was broadcast but
// never observed reaching finality, typically after a crash or an RPC
// outage during WaitForConfirmation.
type Reconciler struct {
	store  escrow.Store
	sm     *escrow.StateMachine
	chain  ChainClient
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the escrow store and chain client.
func NewReconciler(store escrow.Store, sm *escrow.StateMachine, cc ChainClient, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, sm: sm, chain: cc, logger: logger}
}

// Run sweeps on the given interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			confirmed, err := r.Sweep(ctx)
			if err != nil {
				metrics.ReconcilerRunsTotal.WithLabelValues("error").Inc()
				r.logger.Error("reconcile sweep failed", "error", err)
				continue
			}
			metrics.ReconcilerRunsTotal.WithLabelValues("ok").Inc()
			if confirmed > 0 {
				r.logger.Info("reconciled settlements", "confirmed", confirmed)
			}
		}
	}
}

// Sweep checks every unconfirmed payment against chain state and confirms
// the ones whose transaction is buried past the finality depth. Returns the
// number of payments confirmed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.ListUnconfirmed(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}
	metrics.UnconfirmedPayments.Set(float64(len(pending)))

	confirmed := 0
	for _, p := range pending {
		if p.TxHash == "" {
			continue
		}

		conf, err := r.chain.ObserveReceipt(ctx, p.TxHash)
		if err != nil {
			if errors.Is(err, chain.ErrReverted) {
				// Funds never moved; the record stays unconfirmed and is
				// surfaced through logs rather than silently dropped.
				r.logger.Warn("settlement transaction reverted",
					"payment_id", p.PaymentID, "tx_hash", p.TxHash)
				continue
			}
			r.logger.Warn("receipt observation failed",
				"payment_id", p.PaymentID, "tx_hash", p.TxHash, "error", err)
			continue
		}
		if conf == nil {
			continue // not yet mined or not deep enough
		}

		if _, err := r.sm.MarkConfirmed(ctx, p.PaymentID); err != nil {
			r.logger.Error("mark confirmed failed", "payment_id", p.PaymentID, "error", err)
			continue
		}
		confirmed++
	}

	return confirmed, nil
}
