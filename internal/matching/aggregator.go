package matching

import (
	"fmt"
	"sort"

	"github.com/david/grant-matcher/internal/models"
)

// ValidateResult is the single choke point enforcing ScoreResult invariants
// regardless of which scorer ran. It is a defensive check against scorer
// bugs and is not expected to fire in normal operation.
func ValidateResult(r models.ScoreResult, caps DimensionCaps) error {
	if r.GrantID == "" {
		return fmt.Errorf("%w: missing grant id", ErrInvariantViolation)
	}
	if r.TotalScore < 0 || r.TotalScore > caps.Total() {
		return fmt.Errorf("%w: grant %s: total_score %d outside [0,%d]", ErrInvariantViolation, r.GrantID, r.TotalScore, caps.Total())
	}

	dims := []struct {
		name  string
		value int
		cap   int
	}{
		{"mission_alignment", r.Breakdown.MissionAlignment, caps.MissionAlignment},
		{"target_population", r.Breakdown.TargetPopulation, caps.TargetPopulation},
		{"geographic_coverage", r.Breakdown.GeographicCoverage, caps.GeographicCoverage},
		{"funding_fit", r.Breakdown.FundingFit, caps.FundingFit},
		{"eligibility", r.Breakdown.Eligibility, caps.Eligibility},
		{"strategic_value", r.Breakdown.StrategicValue, caps.StrategicValue},
	}
	for _, d := range dims {
		if d.value < 0 || d.value > d.cap {
			return fmt.Errorf("%w: grant %s: %s=%d outside [0,%d]", ErrInvariantViolation, r.GrantID, d.name, d.value, d.cap)
		}
	}

	// Exact sum consistency: no independent rounding drift between the
	// breakdown and the total.
	if sum := r.Breakdown.Sum(); sum != r.TotalScore {
		return fmt.Errorf("%w: grant %s: breakdown sums to %d but total_score is %d", ErrInvariantViolation, r.GrantID, sum, r.TotalScore)
	}

	switch r.ScorerProvenance {
	case models.ProvenanceLLM, models.ProvenanceFallback:
	default:
		return fmt.Errorf("%w: grant %s: invalid scorer_provenance %q", ErrInvariantViolation, r.GrantID, r.ScorerProvenance)
	}

	return nil
}

// SortResults orders results by score descending, breaking ties by grant id
// so batch output is stable.
func SortResults(results []models.ScoreResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].TotalScore != results[j].TotalScore {
			return results[i].TotalScore > results[j].TotalScore
		}
		return results[i].GrantID < results[j].GrantID
	})
}
