package reputation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCalculate_NewAgentIsNeutral(t *testing.T) {
	calc := NewCalculator()
	s := calc.Calculate("0xagent", Metrics{})

	if s.Tier != TierNew && s.Tier != TierEmerging {
		t.Errorf("tier = %s, want new or emerging for empty metrics", s.Tier)
	}
	// Outcome and validation default to neutral with no data.
	if s.Components.OutcomeScore != 50 {
		t.Errorf("outcome score = %f, want 50", s.Components.OutcomeScore)
	}
	if s.Components.ValidationScore != 50 {
		t.Errorf("validation score = %f, want 50", s.Components.ValidationScore)
	}
}

func TestCalculate_DisputesWeighHeavierThanRefunds(t *testing.T) {
	calc := NewCalculator()
	base := Metrics{ClaimedPayments: 20}

	refunded := base
	refunded.RefundedPayments = 5
	disputed := base
	disputed.DisputedPayments = 5

	sr := calc.Calculate("0xa", refunded)
	sd := calc.Calculate("0xa", disputed)

	if sd.Components.OutcomeScore >= sr.Components.OutcomeScore {
		t.Errorf("disputed outcome %f should score below refunded %f",
			sd.Components.OutcomeScore, sr.Components.OutcomeScore)
	}
}

func TestCalculate_ScoreIsClampedAndRounded(t *testing.T) {
	calc := NewCalculator()
	s := calc.Calculate("0xagent", Metrics{
		SettledPayments: 100000,
		ClaimedPayments: 100000,
		TotalVolume:     1e12,
		UniquePeers:     10000,
		ValidationCount: 500,
		AvgValidation:   100,
	})
	if s.Score < 0 || s.Score > 100 {
		t.Errorf("score %f out of range", s.Score)
	}
	if s.Tier != TierElite {
		t.Errorf("tier = %s, want elite", s.Tier)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	calc := NewCalculator()
	m := Metrics{
		SettledPayments: 10,
		ClaimedPayments: 8,
		TotalVolume:     5000,
		UniquePeers:     4,
		ValidationCount: 6,
		AvgValidation:   75,
	}
	a := calc.Calculate("0xagent", m)
	b := calc.Calculate("0xagent", m)
	if *a != *b {
		t.Error("identical metrics produced different scores")
	}
}

func TestWorker_RebuildsAllAgents(t *testing.T) {
	provider := &stubProvider{
		metrics: testMetrics(),
		agents:  []string{"0xaaa", "0xbbb"},
	}
	store := NewMemorySnapshotStore()
	builder := NewBuilder(provider)
	w := NewWorker(builder, provider, store, time.Hour, discardTestLogger())

	w.rebuild(context.Background())

	agents, err := store.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents = %v, want 2 entries", agents)
	}

	snap, err := store.Latest(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !VerifySnapshot(snap.Canonical, snap.Digest) {
		t.Error("stored snapshot fails verification")
	}
}
