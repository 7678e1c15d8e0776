package matching

import (
	"time"

	"github.com/david/grant-matcher/internal/models"
)

// PreFilter rejects clearly irrelevant grants before any paid call. It
// operates per grant, independent of other grants, and never sends a
// rejected grant to either scorer.
type PreFilter struct {
	rubric *Rubric
}

func NewPreFilter(rubric *Rubric) *PreFilter {
	return &PreFilter{rubric: rubric}
}

// Check runs the three zero-cost rejection rules in order: hard exclusions,
// deadline, relevance floor. The grant is expected to be normalized.
func (pf *PreFilter) Check(profile models.OrganizationProfile, grant models.GrantRecord, now time.Time) FilterDecision {
	text := searchableText(grant)

	// Hard exclusion: a single hit rejects outright, no partial credit.
	// The rubric's global list and the organization's own exclusions are
	// scanned together.
	exclusions := append([]string{}, pf.rubric.ExclusionKeywords...)
	exclusions = append(exclusions, profile.ExcludedKeywords...)
	if n, matched := countDistinctHits(text, exclusions); n > 0 {
		return FilterDecision{Passed: false, Reason: FilterExcludedKeyword, Matched: matched[0]}
	}

	// Deadline: strictly-past deadlines are rejected. Historical records are
	// always-open reference material; a nil deadline is not grounds for
	// rejection (rolling or unknown).
	if !grant.DeadlineHistorical && grant.DeadlineAt != nil && grant.DeadlineAt.Before(now) {
		return FilterDecision{Passed: false, Reason: FilterDeadlinePassed}
	}

	// Relevance floor: at least one shared keyword with the organization's
	// focus areas or custom search keywords. An empty focus set matches
	// anything rather than nothing, so incomplete profiles are not silently
	// starved.
	relevance := append([]string{}, profile.FocusAreas...)
	relevance = append(relevance, profile.CustomSearchKeywords...)
	if len(relevance) > 0 {
		if n, _ := countDistinctHits(text, relevance); n == 0 {
			return FilterDecision{Passed: false, Reason: FilterNoRelevance}
		}
	}

	return FilterDecision{Passed: true, Reason: FilterPassed}
}
