// Package reputation computes agent reputation from settled escrow history
// and validation verdicts, and packages it into canonically-serialized,
// hash-verifiable snapshots.
package reputation

import (
	"context"
	"math"
)

// Score is an agent's computed reputation. It contains only data-derived
// fields; given identical underlying history, Calculate always returns an
// identical Score.
type Score struct {
	AgentID    string     `json:"agentId"`
	Score      float64    `json:"score"` // 0-100
	Tier       Tier       `json:"tier"`
	Components Components `json:"components"`
	Metrics    Metrics    `json:"metrics"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // 0-19: no meaningful history
	TierEmerging    Tier = "emerging"    // 20-39: some settled activity
	TierEstablished Tier = "established" // 40-59: regular participant
	TierTrusted     Tier = "trusted"     // 60-79: proven track record
	TierElite       Tier = "elite"       // 80-100: top tier
)

// Components breaks down the score
type Components struct {
	VolumeScore     float64 `json:"volumeScore"`     // settled value
	ActivityScore   float64 `json:"activityScore"`   // settlement count
	OutcomeScore    float64 `json:"outcomeScore"`    // claims vs refunds/disputes
	ValidationScore float64 `json:"validationScore"` // validator verdicts
	DiversityScore  float64 `json:"diversityScore"`  // unique counterparties
}

// Metrics are the raw inputs to the score.
type Metrics struct {
	SettledPayments  int     `json:"settledPayments"`
	ClaimedPayments  int     `json:"claimedPayments"`
	RefundedPayments int     `json:"refundedPayments"`
	DisputedPayments int     `json:"disputedPayments"`
	TotalVolume      float64 `json:"totalVolume"` // token units, approximate
	UniquePeers      int     `json:"uniquePeers"`
	ValidationCount  int     `json:"validationCount"`
	AvgValidation    float64 `json:"avgValidationScore"`
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Volume     float64
	Activity   float64
	Outcome    float64
	Validation float64
	Diversity  float64
}

// DefaultWeights balances all factors
var DefaultWeights = Weights{
	Volume:     0.20,
	Activity:   0.20,
	Outcome:    0.25, // settled outcomes are the strongest signal
	Validation: 0.20,
	Diversity:  0.15,
}

// Calculator computes reputation scores
type Calculator struct {
	weights Weights
}

// NewCalculator creates a reputation calculator
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// NewCalculatorWithWeights creates a calculator with custom weights
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w}
}

// Calculate computes reputation from metrics. Pure and deterministic.
func (c *Calculator) Calculate(agentID string, m Metrics) *Score {
	comp := Components{}

	// Volume score: logarithmic scale, caps at 100k units
	if m.TotalVolume > 0 {
		comp.VolumeScore = math.Min(100, 25*math.Log10(m.TotalVolume+1))
	}

	// Activity score: logarithmic scale, caps at 1000 settlements
	if m.SettledPayments > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(m.SettledPayments)+1))
	}

	// Outcome score: claimed is good, refunded and disputed count against.
	// Neutral (50) until enough data.
	resolved := m.ClaimedPayments + m.RefundedPayments + m.DisputedPayments
	if resolved < 5 {
		comp.OutcomeScore = 50
	} else {
		good := float64(m.ClaimedPayments)
		bad := float64(m.RefundedPayments) + 2*float64(m.DisputedPayments)
		comp.OutcomeScore = math.Max(0, math.Min(100, 100*good/(good+bad)))
	}

	// Validation score: mean validator verdict, neutral until enough data
	if m.ValidationCount < 3 {
		comp.ValidationScore = 50
	} else {
		comp.ValidationScore = math.Max(0, math.Min(100, m.AvgValidation))
	}

	// Diversity score: unique counterparties, logarithmic
	if m.UniquePeers > 1 {
		comp.DiversityScore = math.Min(100, 50*math.Log10(float64(m.UniquePeers)))
	}

	score := c.weights.Volume*comp.VolumeScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Outcome*comp.OutcomeScore +
		c.weights.Validation*comp.ValidationScore +
		c.weights.Diversity*comp.DiversityScore

	score = math.Max(0, math.Min(100, score))

	return &Score{
		AgentID:    agentID,
		Score:      math.Round(score*10) / 10,
		Tier:       getTier(score),
		Components: comp,
		Metrics:    m,
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}

// MetricsProvider fetches metrics for reputation calculation.
type MetricsProvider interface {
	AgentMetrics(ctx context.Context, agentID string) (*Metrics, error)
	ListAgents(ctx context.Context) ([]string, error)
}
