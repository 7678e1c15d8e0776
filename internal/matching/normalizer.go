package matching

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/david/grant-matcher/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

// The normalizer coerces heterogeneous profile and grant records into the
// fixed schema the scorers expect. Downstream components never branch on
// "is this field present": missing fields get neutral defaults here.

var sanitizePolicy = bluemonday.UGCPolicy()

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanText(s string) string {
	return normalizeSpace(s)
}

// sanitizeUTF8 removes invalid UTF-8 byte sequences from scraped text.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

// HTMLToText converts HTML to plain text, collapsing whitespace. Unsafe tags
// are stripped first since grant descriptions arrive from the scraper as-is.
func HTMLToText(html string) string {
	safe := sanitizePolicy.Sanitize(html)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(safe))
	if err != nil {
		return cleanText(safe)
	}
	return cleanText(doc.Text())
}

// TruncateAtWord cuts text to at most maxLen characters, breaking at the
// last word boundary where one exists so keyword matching and prompts never
// see a half word.
func TruncateAtWord(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	// Back the cut point up to a rune boundary so a hard cut never splits a
	// multi-byte character.
	for maxLen > 0 && !utf8.RuneStart(text[maxLen]) {
		maxLen--
	}
	cut := text[:maxLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ")
}

func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}

	return dst
}

func cleanKeywordList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		v = cleanText(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return mergeUniqueFold(nil, out)
}

// NormalizeProfile returns a copy of the profile with cleaned keyword sets
// and neutral defaults for missing numeric ranges.
func NormalizeProfile(p models.OrganizationProfile, rubric *Rubric) models.OrganizationProfile {
	p.Mission = cleanText(sanitizeUTF8(p.Mission))
	p.FocusAreas = cleanKeywordList(p.FocusAreas)
	p.TargetDemographics = cleanKeywordList(p.TargetDemographics)
	p.GeographicFocus = cleanKeywordList(p.GeographicFocus)
	p.ExcludedKeywords = cleanKeywordList(p.ExcludedKeywords)
	p.CustomSearchKeywords = cleanKeywordList(p.CustomSearchKeywords)

	// Profiles without an explicit preference inherit the rubric's reference
	// ranges so funding fit is never computed against a zero interval.
	if p.PreferredGrantMin <= 0 && p.PreferredGrantMax <= 0 {
		p.PreferredGrantMin = rubric.Funding.IdealMin
		p.PreferredGrantMax = rubric.Funding.IdealMax
	}

	return p
}

// NormalizeGrant returns a copy of the grant with HTML stripped from the
// description and the description truncated to the rubric's character
// budget. The truncation bounds both keyword scans and prompt token cost.
func NormalizeGrant(g models.GrantRecord, rubric *Rubric) models.GrantRecord {
	g.Title = cleanText(sanitizeUTF8(g.Title))
	g.Funder = cleanText(sanitizeUTF8(g.Funder))
	g.Description = HTMLToText(sanitizeUTF8(g.Description))

	maxChars := rubric.LLM.MaxDescriptionChars
	if maxChars <= 0 {
		maxChars = 2000
	}
	g.Description = TruncateAtWord(g.Description, maxChars)

	cleaned := make([]string, 0, len(g.Eligibility))
	for _, e := range g.Eligibility {
		e = cleanText(sanitizeUTF8(HTMLToText(e)))
		if e != "" {
			cleaned = append(cleaned, e)
		}
	}
	g.Eligibility = cleaned

	if g.Amount != nil && *g.Amount <= 0 {
		g.Amount = nil // a zero or negative amount means the source had none
	}

	return g
}

// searchableText builds the lowercased haystack the pre-filter and rule
// scorer match keywords against: title + description + eligibility.
func searchableText(g models.GrantRecord) string {
	parts := make([]string, 0, 2+len(g.Eligibility))
	parts = append(parts, g.Title, g.Description)
	parts = append(parts, g.Eligibility...)
	return strings.ToLower(strings.Join(parts, " \n "))
}

// countDistinctHits returns how many distinct keywords appear in the
// haystack, plus the matched keywords in input order.
func countDistinctHits(haystack string, keywords []string) (int, []string) {
	var matched []string
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(haystack, k) {
			matched = append(matched, kw)
		}
	}
	return len(matched), matched
}
