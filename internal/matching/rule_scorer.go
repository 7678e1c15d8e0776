package matching

import (
	"context"
	"fmt"
	"strings"

	"github.com/david/grant-matcher/internal/models"
)

// RuleBasedScorer implements the full six-dimension rubric without any AI
// call. It is the fallback whenever the LLM path is unavailable and a
// standalone option for cost-free bulk triage. It is pure: identical inputs
// always produce identical output, which makes it usable as an offline
// evaluation baseline against the LLM path.
type RuleBasedScorer struct {
	rubric *Rubric
}

func NewRuleBasedScorer(rubric *Rubric) *RuleBasedScorer {
	return &RuleBasedScorer{rubric: rubric}
}

// Score computes the deterministic rubric. The context is accepted for
// Scorer interface compatibility; this path never blocks.
func (rs *RuleBasedScorer) Score(_ context.Context, profile models.OrganizationProfile, grant models.GrantRecord) (models.ScoreResult, error) {
	text := searchableText(grant)
	caps := rs.rubric.Dimensions
	cfg := rs.rubric.RuleScorer

	missionHits, missionMatched := countDistinctHits(text, profile.FocusAreas)
	mission := missionHits * cfg.MissionPointsPerKeyword
	if mission > caps.MissionAlignment {
		mission = caps.MissionAlignment
	}

	popHits, popMatched := countDistinctHits(text, profile.TargetDemographics)
	population := popHits * cfg.PopulationPointsPerKeyword
	if population > caps.TargetPopulation {
		population = caps.TargetPopulation
	}

	geography := rs.scoreGeography(text, profile)
	funding := rs.scoreFundingFit(grant.Amount)

	breakdown := models.ScoreBreakdown{
		MissionAlignment:   mission,
		TargetPopulation:   population,
		GeographicCoverage: geography,
		FundingFit:         funding,
		Eligibility:        cfg.EligibilityDefault,
		StrategicValue:     cfg.StrategicDefault,
	}

	tags := mergeUniqueFold(nil, append(missionMatched, popMatched...))
	if len(tags) > 5 {
		tags = tags[:5]
	}

	return models.ScoreResult{
		GrantID:           grant.ID,
		TotalScore:        breakdown.Sum(),
		Breakdown:         breakdown,
		Reasoning:         rs.buildReasoning(missionHits, popHits, funding, grant),
		Summary:           TruncateAtWord(grant.Description, 280),
		KeyTags:           tags,
		EffortEstimate:    estimateEffort(grant.Amount),
		WinningStrategies: rs.buildStrategies(missionMatched, popMatched, profile),
		ScorerProvenance:  models.ProvenanceFallback,
	}, nil
}

// scoreGeography: full points when an organization geography term appears in
// the grant text, partial when the grant does not pin a geography at all,
// zero when the grant is restricted to somewhere else. An organization with
// no stated geographic focus is treated as unspecified, not as a miss.
func (rs *RuleBasedScorer) scoreGeography(text string, profile models.OrganizationProfile) int {
	if n, _ := countDistinctHits(text, profile.GeographicFocus); n > 0 {
		return rs.rubric.RuleScorer.GeographyMatchPoints
	}
	if markers, _ := countDistinctHits(text, rs.rubric.GeographyMarkers); markers == 0 || len(profile.GeographicFocus) == 0 {
		return rs.rubric.RuleScorer.GeographyUnspecifiedPoints
	}
	return 0
}

// scoreFundingFit is piecewise by amount. An unknown amount is neither
// penalized nor rewarded.
func (rs *RuleBasedScorer) scoreFundingFit(amount *float64) int {
	f := rs.rubric.Funding
	if amount == nil {
		return f.PointsUnknown
	}
	a := *amount
	if a >= f.IdealMin && a <= f.IdealMax {
		return f.PointsIdeal
	}
	if a >= f.AcceptableMin && a <= f.AcceptableMax {
		return f.PointsAcceptable
	}
	return f.PointsOutside
}

func (rs *RuleBasedScorer) buildReasoning(missionHits, popHits, funding int, grant models.GrantRecord) string {
	amountDesc := "an unstated award amount"
	if grant.Amount != nil {
		amountDesc = fmt.Sprintf("a $%.0f award", *grant.Amount)
	}
	return fmt.Sprintf(
		"Heuristic match: %d focus-area and %d demographic keyword overlaps with the grant text, %s scoring %d funding-fit points.",
		missionHits, popHits, amountDesc, funding,
	)
}

func (rs *RuleBasedScorer) buildStrategies(missionMatched, popMatched []string, profile models.OrganizationProfile) []string {
	var out []string
	if len(missionMatched) > 0 {
		out = append(out, "Lead the narrative with your track record in "+strings.ToLower(missionMatched[0])+".")
	}
	if len(popMatched) > 0 {
		out = append(out, "Quantify outcomes for "+strings.ToLower(popMatched[0])+" communities you already serve.")
	}
	if len(out) == 0 {
		out = append(out, "Anchor the proposal in your mission statement and measurable past results.")
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// estimateEffort maps award size to application effort: larger federal-scale
// awards demand heavier proposals.
func estimateEffort(amount *float64) string {
	if amount == nil {
		return models.EffortMedium
	}
	switch {
	case *amount >= 1000000:
		return models.EffortHigh
	case *amount >= 100000:
		return models.EffortMedium
	default:
		return models.EffortLow
	}
}
