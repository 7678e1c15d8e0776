package matching

import (
	"context"
	"errors"
	"time"

	"github.com/david/grant-matcher/internal/models"
)

// FilterReason explains a pre-filter decision. These are expected control
// flow, not errors.
type FilterReason string

const (
	FilterPassed          FilterReason = "passed"
	FilterExcludedKeyword FilterReason = "excluded_keyword"
	FilterDeadlinePassed  FilterReason = "deadline_passed"
	FilterNoRelevance     FilterReason = "no_relevance"
)

// FilterDecision is the pre-filter output for one grant.
type FilterDecision struct {
	Passed  bool
	Reason  FilterReason
	Matched string // the keyword that triggered an exclusion, when applicable
}

// Failure modes of the LLM path. Both are recovered locally by falling back
// to the rule-based scorer; neither is surfaced to the end user.
var (
	ErrLLMCallFailed  = errors.New("llm call failed")
	ErrLLMParseFailed = errors.New("llm response parse failed")
)

// ErrInvariantViolation indicates a scorer produced an out-of-bounds or
// sum-inconsistent result. Always fatal for the single item, never the batch.
var ErrInvariantViolation = errors.New("score invariant violation")

// Scorer is the single rubric contract both execution paths implement. The
// orchestrator selects between them; scoring logic never branches on which
// one is active.
type Scorer interface {
	Score(ctx context.Context, profile models.OrganizationProfile, grant models.GrantRecord) (models.ScoreResult, error)
}

var (
	_ Scorer = (*RuleBasedScorer)(nil)
	_ Scorer = (*LLMScorer)(nil)
)

// Usage is one worker's cost/latency report for a single LLM call. Workers
// report their own usage; the orchestrator sums after join.
type Usage struct {
	PromptChars int
	OutputChars int
	Latency     time.Duration
}

// Manifest counts batch outcomes for cost/quality monitoring.
type Manifest struct {
	TotalGrants         int `json:"total_grants"`
	FilteredExcluded    int `json:"filtered_excluded"`
	FilteredDeadline    int `json:"filtered_deadline"`
	FilteredRelevance   int `json:"filtered_relevance"`
	ScoredByLLM         int `json:"scored_by_llm"`
	ScoredByFallback    int `json:"scored_by_fallback"`
	InvariantViolations int `json:"invariant_violations"`
}

// Filtered returns the number of grants rejected before scoring.
func (m Manifest) Filtered() int {
	return m.FilteredExcluded + m.FilteredDeadline + m.FilteredRelevance
}

// BatchResult is the batch entrypoint's return value: results sorted by
// score descending, plus the manifest and aggregate usage.
type BatchResult struct {
	Results  []models.ScoreResult `json:"results"`
	Manifest Manifest             `json:"manifest"`
	Usage    Usage                `json:"-"`
	Duration time.Duration        `json:"-"`
}
