package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationProfile is the scoring view of an organization. It is owned by
// the organization-settings subsystem; the matching engine only reads it.
type OrganizationProfile struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	Mission              string    `json:"mission"`
	FocusAreas           []string  `json:"focus_areas"`
	TargetDemographics   []string  `json:"target_demographics"`
	GeographicFocus      []string  `json:"geographic_focus"`
	AnnualBudgetMin      float64   `json:"annual_budget_min"`
	AnnualBudgetMax      float64   `json:"annual_budget_max"`
	PreferredGrantMin    float64   `json:"preferred_grant_min"`
	PreferredGrantMax    float64   `json:"preferred_grant_max"`
	ExcludedKeywords     []string  `json:"excluded_keywords"`
	CustomSearchKeywords []string  `json:"custom_search_keywords"`
}

// GrantRecord is the scoring view of a funding opportunity. Records are
// created by the scraping subsystem and are immutable for the duration of a
// scoring call.
type GrantRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Funder      string     `json:"funder"`
	Amount      *float64   `json:"amount"` // nil when the source did not state one
	DeadlineAt  *time.Time `json:"deadline_at"`
	// DeadlineHistorical marks reference-only records (the scraper's
	// "Historical" sentinel). They are treated as always-open by the
	// pre-filter; the caller decides whether to display them.
	DeadlineHistorical bool     `json:"deadline_historical"`
	Description        string   `json:"description"`
	Eligibility        []string `json:"eligibility"`
	Source             string   `json:"source"`
}

// ScoreBreakdown holds the six rubric dimensions. Each dimension is bounded
// by its cap (30/20/15/15/10/10) and the six values sum to the total score.
type ScoreBreakdown struct {
	MissionAlignment   int `json:"mission_alignment"`
	TargetPopulation   int `json:"target_population"`
	GeographicCoverage int `json:"geographic_coverage"`
	FundingFit         int `json:"funding_fit"`
	Eligibility        int `json:"eligibility"`
	StrategicValue     int `json:"strategic_value"`
}

// Sum returns the exact total implied by the breakdown. The stored
// TotalScore must equal this value; there is no independent rounding.
func (b ScoreBreakdown) Sum() int {
	return b.MissionAlignment + b.TargetPopulation + b.GeographicCoverage +
		b.FundingFit + b.Eligibility + b.StrategicValue
}

// Scorer provenance values. Callers must be able to distinguish AI-derived
// from heuristic-derived results.
const (
	ProvenanceLLM      = "llm"
	ProvenanceFallback = "rule_based_fallback"
)

// Effort estimate values.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ScoreResult is the sole contract consumed by the dashboard and the
// conversational agent for one (grant, organization) pair.
type ScoreResult struct {
	GrantID           string         `json:"grant_id"`
	TotalScore        int            `json:"total_score"` // 0-100
	Breakdown         ScoreBreakdown `json:"breakdown"`
	Reasoning         string         `json:"reasoning"`
	Summary           string         `json:"summary"`
	KeyTags           []string       `json:"key_tags"` // up to 5, ordered
	EffortEstimate    string         `json:"effort_estimate"`
	WinningStrategies []string       `json:"winning_strategies"`
	ScorerProvenance  string         `json:"scorer_provenance"`
	ComputedAt        time.Time      `json:"computed_at"`
}

// ScoreRun records one batch execution's manifest for cost/quality monitoring.
type ScoreRun struct {
	RunID             string     `json:"run_id"`
	OrgID             *uuid.UUID `json:"org_id,omitempty"`
	Status            string     `json:"status"` // running, completed, failed
	FilteredExcluded  int        `json:"filtered_excluded"`
	FilteredDeadline  int        `json:"filtered_deadline"`
	FilteredRelevance int        `json:"filtered_relevance"`
	ScoredByLLM       int        `json:"scored_by_llm"`
	ScoredByFallback  int        `json:"scored_by_fallback"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}
