package matching

import (
	"testing"
	"time"

	"github.com/david/grant-matcher/internal/models"
)

func workforceProfile() models.OrganizationProfile {
	return models.OrganizationProfile{
		Mission:            "Job training and placement for underserved adults",
		FocusAreas:         []string{"workforce development", "job training"},
		TargetDemographics: []string{"veterans", "low-income adults"},
		GeographicFocus:    []string{"Ohio"},
	}
}

func TestPreFilter_ExcludedKeyword(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:          "g1",
		Title:       "Agricultural Workforce Training Grant",
		Description: "Job training for farm workers",
	}, now)

	if d.Passed {
		t.Fatal("expected grant rejected")
	}
	if d.Reason != FilterExcludedKeyword {
		t.Fatalf("expected excluded_keyword, got %s", d.Reason)
	}
	if d.Matched != "agricultural" {
		t.Fatalf("expected matched keyword agricultural, got %q", d.Matched)
	}
}

func TestPreFilter_ProfileExclusionsApply(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	profile := workforceProfile()
	profile.ExcludedKeywords = []string{"religious"}

	d := pf.Check(profile, models.GrantRecord{
		ID:          "g2",
		Title:       "Job Training Fund",
		Description: "Workforce development for religious institutions",
	}, now)

	if d.Reason != FilterExcludedKeyword {
		t.Fatalf("expected excluded_keyword, got %s", d.Reason)
	}
	if d.Matched != "religious" {
		t.Fatalf("expected matched keyword religious, got %q", d.Matched)
	}
}

func TestPreFilter_DeadlinePassed(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:         "g3",
		Title:      "Workforce Development Grant",
		DeadlineAt: &yesterday,
	}, now)

	if d.Reason != FilterDeadlinePassed {
		t.Fatalf("expected deadline_passed, got %s", d.Reason)
	}
}

func TestPreFilter_HistoricalDeadlineIsAlwaysOpen(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lastYear := now.AddDate(-1, 0, 0)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:                 "g4",
		Title:              "Workforce Development Grant",
		DeadlineAt:         &lastYear,
		DeadlineHistorical: true,
	}, now)

	if !d.Passed {
		t.Fatalf("expected historical record to pass, got %s", d.Reason)
	}
}

func TestPreFilter_NilDeadlinePasses(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:    "g5",
		Title: "Rolling Job Training Fund",
	}, now)

	if !d.Passed {
		t.Fatalf("expected rolling grant to pass, got %s", d.Reason)
	}
}

func TestPreFilter_NoRelevance(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:          "g6",
		Title:       "Marine Biology Research Fund",
		Description: "Coral reef restoration studies",
	}, now)

	if d.Reason != FilterNoRelevance {
		t.Fatalf("expected no_relevance, got %s", d.Reason)
	}
}

func TestPreFilter_EmptyFocusSetMatchesAnything(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	profile := workforceProfile()
	profile.FocusAreas = nil
	profile.CustomSearchKeywords = nil

	d := pf.Check(profile, models.GrantRecord{
		ID:          "g7",
		Title:       "Marine Biology Research Fund",
		Description: "Coral reef restoration studies",
	}, now)

	if !d.Passed {
		t.Fatalf("expected incomplete profile to pass relevance, got %s", d.Reason)
	}
}

func TestPreFilter_ExclusionWinsOverDeadline(t *testing.T) {
	pf := NewPreFilter(testRubric(t))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)

	d := pf.Check(workforceProfile(), models.GrantRecord{
		ID:          "g8",
		Title:       "Tobacco Cessation Workforce Grant",
		DeadlineAt:  &yesterday,
		Description: "Job training",
	}, now)

	if d.Reason != FilterExcludedKeyword {
		t.Fatalf("expected excluded_keyword to take precedence, got %s", d.Reason)
	}
}
