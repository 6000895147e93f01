package reputation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Snapshot is a canonically-serialized, hash-verifiable view of an agent's
// reputation. Canonical and Digest are byte-stable: identical underlying
// data always yields identical bytes, regardless of producer or insertion
// order into any backing store.
type Snapshot struct {
	AgentID    string    `json:"agentId"`
	Reputation *Score    `json:"reputation"`
	Canonical  string    `json:"canonical"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Canonicalize serializes v into RFC 8785 canonical JSON: object keys
// sorted lexicographically at every depth, array order preserved, standard
// JSON primitive encoding.
func Canonicalize(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(canonical), nil
}

// DigestOf returns the hex-encoded SHA-256 of the UTF-8 bytes of canonical.
func DigestOf(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// VerifySnapshot recomputes the digest of a received canonical string and
// compares it to the received digest. Any mismatch means the snapshot was
// tampered or mis-serialized.
func VerifySnapshot(canonical, digest string) bool {
	want := DigestOf(canonical)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}

// Builder produces snapshots from live metrics.
type Builder struct {
	calc     *Calculator
	provider MetricsProvider
	now      func() time.Time
}

// NewBuilder creates a snapshot builder.
func NewBuilder(provider MetricsProvider) *Builder {
	return &Builder{calc: NewCalculator(), provider: provider, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build computes the agent's reputation and packages it with its canonical
// form and digest. CreatedAt is metadata only; it is not part of the
// canonical bytes.
func (b *Builder) Build(ctx context.Context, agentID string) (*Snapshot, error) {
	m, err := b.provider.AgentMetrics(ctx, agentID)
	if err != nil {
		return nil, err
	}

	score := b.calc.Calculate(agentID, *m)
	canonical, err := Canonicalize(score)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		AgentID:    agentID,
		Reputation: score,
		Canonical:  canonical,
		Digest:     DigestOf(canonical),
		CreatedAt:  b.now(),
	}, nil
}
