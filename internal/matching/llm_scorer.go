package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/models"
)

// LLMScorer produces a nuanced, explainable score via a language model,
// within a hard per-item cost ceiling. Input is bounded by the normalizer's
// description truncation; output is a compact JSON schema.
//
// The parsing contract is strict: malformed JSON, missing fields, or any
// dimension over its cap is a failure, never a silent clamp. Clamping would
// mask systematic prompt drift; failing hands the item to the fallback
// scorer instead.
type LLMScorer struct {
	client ai.CompletionClient
	rubric *Rubric
}

func NewLLMScorer(client ai.CompletionClient, rubric *Rubric) *LLMScorer {
	return &LLMScorer{client: client, rubric: rubric}
}

// llmScorePayload is the exact schema the model must return. Dimension
// fields are pointers so a missing field is distinguishable from zero.
type llmScorePayload struct {
	MissionAlignment   *int     `json:"mission_alignment"`
	TargetPopulation   *int     `json:"target_population"`
	GeographicCoverage *int     `json:"geographic_coverage"`
	FundingFit         *int     `json:"funding_fit"`
	Eligibility        *int     `json:"eligibility"`
	StrategicValue     *int     `json:"strategic_value"`
	Reasoning          string   `json:"reasoning"`
	Summary            string   `json:"summary"`
	KeyTags            []string `json:"key_tags"`
	EffortEstimate     string   `json:"effort_estimate"`
	WinningStrategies  []string `json:"winning_strategies"`
}

// Score builds the bounded prompt, calls the model once (plus at most one
// retry with backoff on call failure), and validates the structured output.
// Call failures wrap ErrLLMCallFailed; schema failures wrap ErrLLMParseFailed.
func (ls *LLMScorer) Score(ctx context.Context, profile models.OrganizationProfile, grant models.GrantRecord) (models.ScoreResult, error) {
	result, _, err := ls.ScoreWithUsage(ctx, profile, grant)
	return result, err
}

// ScoreWithUsage additionally reports the call's cost/latency accounting.
func (ls *LLMScorer) ScoreWithUsage(ctx context.Context, profile models.OrganizationProfile, grant models.GrantRecord) (models.ScoreResult, Usage, error) {
	prompt := ls.buildPrompt(profile, grant)
	usage := Usage{PromptChars: len(prompt)}

	timeout := time.Duration(ls.rubric.LLM.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := time.Duration(ls.rubric.LLM.RetryBackoffSeconds) * time.Second
	retries := ls.rubric.LLM.MaxRetries

	var resp string
	var err error
	start := time.Now()
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err = ls.client.GenerateCompletion(callCtx, prompt, true)
		cancel()
		if err == nil {
			break
		}
		if attempt >= retries {
			usage.Latency = time.Since(start)
			return models.ScoreResult{}, usage, fmt.Errorf("%w: grant %s: %v", ErrLLMCallFailed, grant.ID, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			usage.Latency = time.Since(start)
			return models.ScoreResult{}, usage, fmt.Errorf("%w: grant %s: %v", ErrLLMCallFailed, grant.ID, ctx.Err())
		}
	}
	usage.Latency = time.Since(start)
	usage.OutputChars = len(resp)

	result, err := ls.parseResponse(grant.ID, resp)
	if err != nil {
		return models.ScoreResult{}, usage, err
	}
	return result, usage, nil
}

func (ls *LLMScorer) buildPrompt(profile models.OrganizationProfile, grant models.GrantRecord) string {
	caps := ls.rubric.Dimensions

	amount := "not stated"
	if grant.Amount != nil {
		amount = fmt.Sprintf("$%.0f", *grant.Amount)
	}
	deadline := "not stated"
	if grant.DeadlineHistorical {
		deadline = "historical/reference only"
	} else if grant.DeadlineAt != nil {
		deadline = grant.DeadlineAt.Format("2006-01-02")
	}

	return fmt.Sprintf(`You are an expert grant advisor for nonprofits. Score how well the following funding opportunity fits the organization.

ORGANIZATION:
Mission: %s
Focus areas: %s
Target demographics: %s
Geographic focus: %s
Preferred grant size: $%.0f - $%.0f

GRANT:
Title: %s
Funder: %s
Amount: %s
Deadline: %s
Description: %s
Eligibility: %s

Score each dimension as an integer within its cap:
- mission_alignment (0-%d): overlap between grant purpose and the mission/focus areas
- target_population (0-%d): whether the grant serves the organization's demographics
- geographic_coverage (0-%d): geographic eligibility fit
- funding_fit (0-%d): award size vs the preferred grant size
- eligibility (0-%d): likelihood the organization qualifies
- strategic_value (0-%d): longer-term value beyond the award itself

Return a JSON object with this exact format:
{
  "mission_alignment": 0,
  "target_population": 0,
  "geographic_coverage": 0,
  "funding_fit": 0,
  "eligibility": 0,
  "strategic_value": 0,
  "reasoning": "2-3 sentences on why this grant does or does not fit",
  "summary": "1-2 sentence neutral summary of the grant",
  "key_tags": ["up to 5 short tags"],
  "effort_estimate": "low" | "medium" | "high",
  "winning_strategies": ["1-3 short, concrete strategies for this application"]
}

Rules:
1. Never exceed a dimension's cap.
2. effort_estimate reflects application complexity, not award size alone.
3. RESPOND ONLY WITH JSON.`,
		profile.Mission,
		strings.Join(profile.FocusAreas, ", "),
		strings.Join(profile.TargetDemographics, ", "),
		strings.Join(profile.GeographicFocus, ", "),
		profile.PreferredGrantMin, profile.PreferredGrantMax,
		grant.Title, grant.Funder, amount, deadline,
		grant.Description,
		strings.Join(grant.Eligibility, "; "),
		caps.MissionAlignment, caps.TargetPopulation, caps.GeographicCoverage,
		caps.FundingFit, caps.Eligibility, caps.StrategicValue,
	)
}

func (ls *LLMScorer) parseResponse(grantID, resp string) (models.ScoreResult, error) {
	cleaned := ai.CleanJSONResponse(resp)

	var payload llmScorePayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return models.ScoreResult{}, fmt.Errorf("%w: grant %s: %v (response: %s)", ErrLLMParseFailed, grantID, err, TruncateAtWord(resp, 200))
	}

	breakdown, err := ls.validatePayload(payload)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("%w: grant %s: %v", ErrLLMParseFailed, grantID, err)
	}

	tags := payload.KeyTags
	if len(tags) > 5 {
		tags = tags[:5]
	}
	strategies := payload.WinningStrategies
	if len(strategies) > 3 {
		strategies = strategies[:3]
	}

	return models.ScoreResult{
		GrantID:           grantID,
		TotalScore:        breakdown.Sum(),
		Breakdown:         breakdown,
		Reasoning:         cleanText(payload.Reasoning),
		Summary:           cleanText(payload.Summary),
		KeyTags:           tags,
		EffortEstimate:    strings.ToLower(strings.TrimSpace(payload.EffortEstimate)),
		WinningStrategies: strategies,
		ScorerProvenance:  models.ProvenanceLLM,
	}, nil
}

func (ls *LLMScorer) validatePayload(p llmScorePayload) (models.ScoreBreakdown, error) {
	caps := ls.rubric.Dimensions

	dims := []struct {
		name  string
		value *int
		cap   int
	}{
		{"mission_alignment", p.MissionAlignment, caps.MissionAlignment},
		{"target_population", p.TargetPopulation, caps.TargetPopulation},
		{"geographic_coverage", p.GeographicCoverage, caps.GeographicCoverage},
		{"funding_fit", p.FundingFit, caps.FundingFit},
		{"eligibility", p.Eligibility, caps.Eligibility},
		{"strategic_value", p.StrategicValue, caps.StrategicValue},
	}
	for _, d := range dims {
		if d.value == nil {
			return models.ScoreBreakdown{}, fmt.Errorf("missing dimension %s", d.name)
		}
		if *d.value < 0 || *d.value > d.cap {
			return models.ScoreBreakdown{}, fmt.Errorf("dimension %s=%d outside [0,%d]", d.name, *d.value, d.cap)
		}
	}

	if strings.TrimSpace(p.Reasoning) == "" {
		return models.ScoreBreakdown{}, fmt.Errorf("missing reasoning")
	}
	switch strings.ToLower(strings.TrimSpace(p.EffortEstimate)) {
	case models.EffortLow, models.EffortMedium, models.EffortHigh:
	default:
		return models.ScoreBreakdown{}, fmt.Errorf("invalid effort_estimate %q", p.EffortEstimate)
	}
	if len(p.WinningStrategies) == 0 {
		return models.ScoreBreakdown{}, fmt.Errorf("missing winning_strategies")
	}

	return models.ScoreBreakdown{
		MissionAlignment:   *p.MissionAlignment,
		TargetPopulation:   *p.TargetPopulation,
		GeographicCoverage: *p.GeographicCoverage,
		FundingFit:         *p.FundingFit,
		Eligibility:        *p.Eligibility,
		StrategicValue:     *p.StrategicValue,
	}, nil
}
