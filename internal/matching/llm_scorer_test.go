package matching

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/david/grant-matcher/internal/models"
)

// fakeClient returns a canned response or error and counts calls.
type fakeClient struct {
	resp  string
	err   error
	calls atomic.Int32
}

func (f *fakeClient) GenerateCompletion(_ context.Context, _ string, _ bool) (string, error) {
	f.calls.Add(1)
	return f.resp, f.err
}

const validPayload = `{
	"mission_alignment": 25,
	"target_population": 18,
	"geographic_coverage": 10,
	"funding_fit": 12,
	"eligibility": 8,
	"strategic_value": 7,
	"reasoning": "Strong overlap between the grant purpose and the mission.",
	"summary": "Federal workforce training grant.",
	"key_tags": ["workforce", "training", "veterans"],
	"effort_estimate": "medium",
	"winning_strategies": ["Lead with placement outcomes."]
}`

func fastRubric(t *testing.T) *Rubric {
	t.Helper()
	r := testRubric(t)
	r.LLM.RetryBackoffSeconds = 0
	return r
}

func testGrant() models.GrantRecord {
	return models.GrantRecord{ID: "g1", Title: "Workforce Training Grant"}
}

func TestLLMScorer_ValidResponse(t *testing.T) {
	client := &fakeClient{resp: validPayload}
	ls := NewLLMScorer(client, fastRubric(t))

	result, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.TotalScore != 80 {
		t.Fatalf("expected total 80, got %d", result.TotalScore)
	}
	if result.TotalScore != result.Breakdown.Sum() {
		t.Fatalf("expected total to equal breakdown sum %d, got %d", result.Breakdown.Sum(), result.TotalScore)
	}
	if result.ScorerProvenance != models.ProvenanceLLM {
		t.Fatalf("expected provenance %s, got %s", models.ProvenanceLLM, result.ScorerProvenance)
	}
	if result.EffortEstimate != models.EffortMedium {
		t.Fatalf("expected medium effort, got %s", result.EffortEstimate)
	}
	if len(result.KeyTags) != 3 {
		t.Fatalf("expected 3 key tags, got %v", result.KeyTags)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", client.calls.Load())
	}
}

func TestLLMScorer_MarkdownFencedResponse(t *testing.T) {
	client := &fakeClient{resp: "```json\n" + validPayload + "\n```"}
	ls := NewLLMScorer(client, fastRubric(t))

	result, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalScore != 80 {
		t.Fatalf("expected total 80, got %d", result.TotalScore)
	}
}

func TestLLMScorer_CapOverflowIsParseFailure(t *testing.T) {
	// mission_alignment 35 exceeds its cap of 30; the contract is to fail,
	// never to clamp.
	over := `{
		"mission_alignment": 35, "target_population": 10, "geographic_coverage": 10,
		"funding_fit": 10, "eligibility": 8, "strategic_value": 5,
		"reasoning": "x", "summary": "x", "key_tags": [],
		"effort_estimate": "low", "winning_strategies": ["x"]
	}`
	ls := NewLLMScorer(&fakeClient{resp: over}, fastRubric(t))

	_, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if !errors.Is(err, ErrLLMParseFailed) {
		t.Fatalf("expected ErrLLMParseFailed, got %v", err)
	}
}

func TestLLMScorer_MissingDimensionIsParseFailure(t *testing.T) {
	missing := `{
		"mission_alignment": 20, "target_population": 10, "geographic_coverage": 10,
		"eligibility": 8, "strategic_value": 5,
		"reasoning": "x", "summary": "x", "key_tags": [],
		"effort_estimate": "low", "winning_strategies": ["x"]
	}`
	ls := NewLLMScorer(&fakeClient{resp: missing}, fastRubric(t))

	_, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if !errors.Is(err, ErrLLMParseFailed) {
		t.Fatalf("expected ErrLLMParseFailed, got %v", err)
	}
}

func TestLLMScorer_InvalidEffortIsParseFailure(t *testing.T) {
	bad := `{
		"mission_alignment": 20, "target_population": 10, "geographic_coverage": 10,
		"funding_fit": 10, "eligibility": 8, "strategic_value": 5,
		"reasoning": "x", "summary": "x", "key_tags": [],
		"effort_estimate": "gigantic", "winning_strategies": ["x"]
	}`
	ls := NewLLMScorer(&fakeClient{resp: bad}, fastRubric(t))

	_, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if !errors.Is(err, ErrLLMParseFailed) {
		t.Fatalf("expected ErrLLMParseFailed, got %v", err)
	}
}

func TestLLMScorer_NotJSONIsParseFailure(t *testing.T) {
	ls := NewLLMScorer(&fakeClient{resp: "I would rate this grant very highly."}, fastRubric(t))

	_, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if !errors.Is(err, ErrLLMParseFailed) {
		t.Fatalf("expected ErrLLMParseFailed, got %v", err)
	}
}

func TestLLMScorer_CallErrorRetriesOnce(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	ls := NewLLMScorer(client, fastRubric(t))

	_, err := ls.Score(context.Background(), workforceProfile(), testGrant())
	if !errors.Is(err, ErrLLMCallFailed) {
		t.Fatalf("expected ErrLLMCallFailed, got %v", err)
	}
	// max_retries is 1: original attempt plus one retry.
	if client.calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", client.calls.Load())
	}
}

func TestLLMScorer_UsageAccounting(t *testing.T) {
	client := &fakeClient{resp: validPayload}
	ls := NewLLMScorer(client, fastRubric(t))

	_, usage, err := ls.ScoreWithUsage(context.Background(), workforceProfile(), testGrant())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.PromptChars == 0 {
		t.Fatal("expected non-zero prompt chars")
	}
	if usage.OutputChars != len(validPayload) {
		t.Fatalf("expected output chars %d, got %d", len(validPayload), usage.OutputChars)
	}
}
