// Package registry records validation requests and responses and aggregates
// them into per-tag summaries for settlement gating. Responses are
// append-only; a recorded response is never mutated or deleted.
package registry

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrRequestHashZero       = errors.New("registry: request hash is zero")
	ErrRequestNotFound       = errors.New("registry: request not found")
	ErrRequestExists         = errors.New("registry: request already recorded")
	ErrConflictOfInterest    = errors.New("registry: validator is a party to the task")
	ErrUnauthorizedValidator = errors.New("registry: validator not authorized for tag")
	ErrScoreOutOfRange       = errors.New("registry: score must be in [0,100]")
)

// ValidatorKind classifies who may respond to role-gated tags.
type ValidatorKind string

const (
	KindAutomated ValidatorKind = "automated"
	KindJury      ValidatorKind = "jury"
	KindOracle    ValidatorKind = "oracle"
)

// Request is a validation request awaiting responses.
type Request struct {
	RequestHash string    `json:"requestHash"`
	TaskID      string    `json:"taskId"`
	AgentID     string    `json:"agentId"`
	ResponseURI string    `json:"responseUri"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Response is one validator's verdict for a task and tag. Immutable once
// recorded.
type Response struct {
	RequestHash      string    `json:"requestHash"`
	TaskID           string    `json:"taskId"`
	AgentID          string    `json:"agentId"`
	ResponseURI      string    `json:"responseUri,omitempty"`
	ResponseHash     string    `json:"responseHash,omitempty"`
	Tag              string    `json:"tag"`
	Score            int       `json:"score"`
	ValidatorAddress string    `json:"validatorAddress"`
	Timestamp        time.Time `json:"timestamp"`
}

// TagSummary aggregates all responses for one tag of a task.
type TagSummary struct {
	Tag              string  `json:"tag"`
	Count            int     `json:"count"`
	AverageScore     float64 `json:"averageScore"`
	UniqueValidators int     `json:"uniqueValidators"`
}

// Requirement is the per-task validation threshold. A task is satisfied iff
// every required tag meets all three minimums.
type Requirement struct {
	RequiredTags        []string `json:"requiredTags"`
	MinCount            int      `json:"minCount"`
	MinAverageScore     float64  `json:"minAverageScore"`
	MinUniqueValidators int      `json:"minUniqueValidators"`
}

// TaskParties identifies the accounts barred from validating their own task.
type TaskParties struct {
	Payer    string
	Taskor   string
	Supplier string
}

// ComputeRequestHash derives the deterministic request identifier from the
// task, agent, and response location.
func ComputeRequestHash(taskID, agentID, responseURI string) string {
	h := crypto.Keccak256([]byte(taskID + "|" + agentID + "|" + responseURI))
	return "0x" + hex.EncodeToString(h)
}

// IsZeroHash reports whether a hash string is empty or all-zero.
func IsZeroHash(h string) bool {
	h = strings.TrimPrefix(strings.ToLower(h), "0x")
	if h == "" {
		return true
	}
	for _, c := range h {
		if c != '0' {
			return false
		}
	}
	return true
}
