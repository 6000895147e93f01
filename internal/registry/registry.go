package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/facilitator/internal/metrics"
)

// Store persists validation requests and append-only responses.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, requestHash string) (*Request, error)
	AppendResponse(ctx context.Context, r *Response) error
	ListResponses(ctx context.Context, taskID string) ([]*Response, error)
	ListResponsesByAgent(ctx context.Context, agentID string) ([]*Response, error)
}

// IdentityResolver answers who the parties to a task are and what kind of
// validator an address is. Backed by the external identity/role service.
type IdentityResolver interface {
	Parties(ctx context.Context, taskID string) (*TaskParties, error)
	ValidatorKind(ctx context.Context, addr string) (ValidatorKind, error)
}

// Aggregator validates and records responses and computes on-demand
// per-tag summaries. Summaries carry no staleness guarantee; callers
// needing consistency must snapshot inputs.
type Aggregator struct {
	store     Store
	ids       IdentityResolver
	gatedTags map[string][]ValidatorKind // tag → kinds allowed to respond
	now       func() time.Time
}

// NewAggregator creates an aggregator. gatedTags maps role-gated tags to
// the validator kinds allowed to respond; tags absent from the map are open
// to any validator.
func NewAggregator(store Store, ids IdentityResolver, gatedTags map[string][]ValidatorKind) *Aggregator {
	return &Aggregator{store: store, ids: ids, gatedTags: gatedTags, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// SubmitRequest records a validation request under its deterministic hash.
func (a *Aggregator) SubmitRequest(ctx context.Context, taskID, agentID, responseURI string) (*Request, error) {
	r := &Request{
		RequestHash: ComputeRequestHash(taskID, agentID, responseURI),
		TaskID:      taskID,
		AgentID:     agentID,
		ResponseURI: responseURI,
		CreatedAt:   a.now(),
	}
	if IsZeroHash(r.RequestHash) {
		return nil, ErrRequestHashZero
	}
	if err := a.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Record appends an immutable validation response. Rejected outright, not
// merely flagged: zero request hashes, out-of-range scores, responses from
// a party to the task, and responses for role-gated tags from validators
// of the wrong kind.
func (a *Aggregator) Record(ctx context.Context, resp *Response) error {
	if IsZeroHash(resp.RequestHash) {
		metrics.RegistryRejectionsTotal.WithLabelValues("zero_hash").Inc()
		return ErrRequestHashZero
	}
	if resp.Score < 0 || resp.Score > 100 {
		metrics.RegistryRejectionsTotal.WithLabelValues("score_out_of_range").Inc()
		return ErrScoreOutOfRange
	}

	req, err := a.store.GetRequest(ctx, resp.RequestHash)
	if err != nil {
		return err
	}
	resp.TaskID = req.TaskID
	resp.AgentID = req.AgentID

	parties, err := a.ids.Parties(ctx, resp.TaskID)
	if err != nil {
		return fmt.Errorf("resolve task parties: %w", err)
	}
	v := strings.ToLower(resp.ValidatorAddress)
	if v == strings.ToLower(parties.Payer) ||
		v == strings.ToLower(parties.Taskor) ||
		v == strings.ToLower(parties.Supplier) {
		metrics.RegistryRejectionsTotal.WithLabelValues("conflict_of_interest").Inc()
		return ErrConflictOfInterest
	}

	if allowed, gated := a.gatedTags[resp.Tag]; gated {
		kind, err := a.ids.ValidatorKind(ctx, resp.ValidatorAddress)
		if err != nil {
			return fmt.Errorf("resolve validator kind: %w", err)
		}
		ok := false
		for _, k := range allowed {
			if k == kind {
				ok = true
				break
			}
		}
		if !ok {
			metrics.RegistryRejectionsTotal.WithLabelValues("unauthorized_tag").Inc()
			return ErrUnauthorizedValidator
		}
	}

	if resp.Timestamp.IsZero() {
		resp.Timestamp = a.now()
	}
	resp.ValidatorAddress = v
	return a.store.AppendResponse(ctx, resp)
}

// Summarize computes per-tag summaries for a task from all recorded
// responses. Computed on demand.
func (a *Aggregator) Summarize(ctx context.Context, taskID string) ([]TagSummary, error) {
	responses, err := a.store.ListResponses(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return Summaries(responses), nil
}

// Summaries aggregates raw responses into per-tag summaries. Tag order
// follows first appearance.
func Summaries(responses []*Response) []TagSummary {
	type acc struct {
		count      int
		total      int
		validators map[string]struct{}
	}
	byTag := make(map[string]*acc)
	order := make([]string, 0)

	for _, r := range responses {
		t, ok := byTag[r.Tag]
		if !ok {
			t = &acc{validators: make(map[string]struct{})}
			byTag[r.Tag] = t
			order = append(order, r.Tag)
		}
		t.count++
		t.total += r.Score
		t.validators[strings.ToLower(r.ValidatorAddress)] = struct{}{}
	}

	summaries := make([]TagSummary, 0, len(order))
	for _, tag := range order {
		t := byTag[tag]
		summaries = append(summaries, TagSummary{
			Tag:              tag,
			Count:            t.count,
			AverageScore:     float64(t.total) / float64(t.count),
			UniqueValidators: len(t.validators),
		})
	}
	return summaries
}

// IsRequirementSatisfied reports whether every required tag meets the
// count, average-score, and unique-validator minimums.
func (a *Aggregator) IsRequirementSatisfied(ctx context.Context, taskID string, req *Requirement) (bool, error) {
	summaries, err := a.Summarize(ctx, taskID)
	if err != nil {
		return false, err
	}
	return RequirementSatisfied(summaries, req), nil
}

// RequirementSatisfied applies the threshold rule to precomputed summaries.
func RequirementSatisfied(summaries []TagSummary, req *Requirement) bool {
	byTag := make(map[string]TagSummary, len(summaries))
	for _, s := range summaries {
		byTag[s.Tag] = s
	}
	for _, tag := range req.RequiredTags {
		s, ok := byTag[tag]
		if !ok {
			return false
		}
		if s.Count < req.MinCount ||
			s.AverageScore < req.MinAverageScore ||
			s.UniqueValidators < req.MinUniqueValidators {
			return false
		}
	}
	return true
}
