package reputation

import (
	"context"
	"math/big"
	"strings"

	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/registry"
)

const metricsPaymentLimit = 1000

// StoreMetricsProvider derives metrics from the escrow and validation
// stores. Metrics are a pure function of stored rows, so two providers over
// identical data produce identical metrics.
type StoreMetricsProvider struct {
	payments  escrow.Store
	responses registry.Store
}

// NewStoreMetricsProvider creates a provider over the two backing stores.
func NewStoreMetricsProvider(payments escrow.Store, responses registry.Store) *StoreMetricsProvider {
	return &StoreMetricsProvider{payments: payments, responses: responses}
}

var _ MetricsProvider = (*StoreMetricsProvider)(nil)

func (p *StoreMetricsProvider) AgentMetrics(ctx context.Context, agentID string) (*Metrics, error) {
	addr := strings.ToLower(agentID)

	pays, err := p.payments.ListByAgent(ctx, addr, metricsPaymentLimit)
	if err != nil {
		return nil, err
	}

	m := &Metrics{}
	peers := make(map[string]struct{})
	volume := new(big.Float)

	for _, pay := range pays {
		if pay.Confirmed {
			m.SettledPayments++
		}
		switch pay.State {
		case escrow.StateClaimed:
			m.ClaimedPayments++
		case escrow.StateRefunded:
			m.RefundedPayments++
		case escrow.StateDisputed:
			m.DisputedPayments++
		}

		if amt, ok := new(big.Float).SetString(pay.Amount); ok {
			volume.Add(volume, amt)
		}
		if pay.Payer == addr {
			peers[pay.Recipient] = struct{}{}
		} else {
			peers[pay.Payer] = struct{}{}
		}
	}
	m.TotalVolume, _ = volume.Float64()
	m.UniquePeers = len(peers)

	if p.responses != nil {
		verdicts, err := p.responses.ListResponsesByAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, v := range verdicts {
			total += v.Score
		}
		m.ValidationCount = len(verdicts)
		if m.ValidationCount > 0 {
			m.AvgValidation = float64(total) / float64(m.ValidationCount)
		}
	}

	return m, nil
}

func (p *StoreMetricsProvider) ListAgents(ctx context.Context) ([]string, error) {
	return p.payments.ListAgents(ctx)
}
