// Package dispute classifies validation outcomes into soft and hard
// disputes. The engine is a pure function of aggregator output plus
// configured thresholds; it never mutates escrow or registry state.
package dispute

import (
	"fmt"
	"time"

	"github.com/mbd888/facilitator/internal/metrics"
	"github.com/mbd888/facilitator/internal/registry"
)

// Severity of a dispute classification.
type Severity string

const (
	SeverityNone Severity = "none"
	SeveritySoft Severity = "soft" // reputation-only: blocks auto-finalize
	SeverityHard Severity = "hard" // candidate for on-chain enforcement
)

// Config holds the policy thresholds.
type Config struct {
	// MaxScoreSpread is the widest allowed gap between the lowest and
	// highest score for one tag before validator disagreement counts as a
	// hard dispute.
	MaxScoreSpread int

	// ChallengeWindow is how long after delivery an unmet requirement
	// stays a non-event before it becomes a soft dispute.
	ChallengeWindow time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxScoreSpread:  40,
		ChallengeWindow: 24 * time.Hour,
	}
}

// Input is everything the engine evaluates for one task.
type Input struct {
	TaskID      string
	Responses   []*registry.Response
	Requirement *registry.Requirement

	// DeliveredAt starts the challenge window.
	DeliveredAt time.Time
	Now         time.Time

	// ReceiptHashMatches is false when the recorded receipt hash does not
	// match its referenced off-chain content.
	ReceiptHashMatches bool

	// EvidenceFraudProven is true when a reproducible off-chain proof of
	// evidence fraud is tied to an on-chain-linked receipt.
	EvidenceFraudProven bool
}

// Classification is the engine's verdict.
type Classification struct {
	Severity          Severity `json:"severity"`
	Reasons           []string `json:"reasons"`
	AutoFinalize      bool     `json:"autoFinalize"`
	ReputationPenalty bool     `json:"reputationPenalty"`
	Escalate          bool     `json:"escalate"` // caller drives escrow.Dispute + arbitration
}

// Engine applies dispute policy.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given thresholds. Zero-valued
// fields fall back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxScoreSpread <= 0 {
		cfg.MaxScoreSpread = def.MaxScoreSpread
	}
	if cfg.ChallengeWindow <= 0 {
		cfg.ChallengeWindow = def.ChallengeWindow
	}
	return &Engine{cfg: cfg}
}

// Evaluate classifies one task. Hard findings dominate soft ones; a task
// with no findings auto-finalizes.
func (e *Engine) Evaluate(in *Input) *Classification {
	var soft, hard []string

	summaries := registry.Summaries(in.Responses)
	satisfied := in.Requirement == nil || registry.RequirementSatisfied(summaries, in.Requirement)

	deadline := in.DeliveredAt.Add(e.cfg.ChallengeWindow)
	if !satisfied && !in.Now.Before(deadline) {
		soft = append(soft, "requirement unmet past challenge deadline")
	}
	if in.Requirement != nil {
		for _, tag := range in.Requirement.RequiredTags {
			for _, s := range summaries {
				if s.Tag != tag {
					continue
				}
				// Quality checks apply once the tag reached its count
				// quorum; shortfalls before that are handled by the
				// challenge-deadline rule above.
				if s.Count < in.Requirement.MinCount {
					continue
				}
				if s.AverageScore < in.Requirement.MinAverageScore {
					soft = append(soft, fmt.Sprintf("tag %s average %.1f below threshold %.1f",
						tag, s.AverageScore, in.Requirement.MinAverageScore))
				}
				if s.UniqueValidators < in.Requirement.MinUniqueValidators {
					soft = append(soft, fmt.Sprintf("tag %s has %d unique validators, need %d",
						tag, s.UniqueValidators, in.Requirement.MinUniqueValidators))
				}
			}
		}
	}
	if !in.ReceiptHashMatches {
		soft = append(soft, "receipt hash does not match referenced content")
	}

	for tag, spread := range scoreSpreads(in.Responses) {
		if spread > e.cfg.MaxScoreSpread {
			hard = append(hard, fmt.Sprintf("tag %s score spread %d exceeds band %d",
				tag, spread, e.cfg.MaxScoreSpread))
		}
	}
	if in.EvidenceFraudProven {
		hard = append(hard, "reproducible evidence fraud proof")
	}

	c := &Classification{Severity: SeverityNone, AutoFinalize: true}
	switch {
	case len(hard) > 0:
		c.Severity = SeverityHard
		c.Reasons = append(hard, soft...)
		c.AutoFinalize = false
		c.ReputationPenalty = true
		c.Escalate = true
	case len(soft) > 0:
		c.Severity = SeveritySoft
		c.Reasons = soft
		c.AutoFinalize = false
		c.ReputationPenalty = true
	}

	metrics.DisputesTotal.WithLabelValues(string(c.Severity)).Inc()
	return c
}

// scoreSpreads returns max-min score per tag.
func scoreSpreads(responses []*registry.Response) map[string]int {
	lo := make(map[string]int)
	hi := make(map[string]int)
	for _, r := range responses {
		l, ok := lo[r.Tag]
		if !ok || r.Score < l {
			lo[r.Tag] = r.Score
		}
		h, ok := hi[r.Tag]
		if !ok || r.Score > h {
			hi[r.Tag] = r.Score
		}
	}
	out := make(map[string]int, len(lo))
	for tag := range lo {
		out[tag] = hi[tag] - lo[tag]
	}
	return out
}
