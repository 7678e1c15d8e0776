package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/david/grant-matcher/internal/models"
)

func openGrant(id, title, description string) models.GrantRecord {
	return models.GrantRecord{ID: id, Title: title, Description: description}
}

func TestEngine_LLMPath(t *testing.T) {
	engine := NewEngine(fastRubric(t), &fakeClient{resp: validPayload})

	batch, err := engine.Score(context.Background(), workforceProfile(),
		[]models.GrantRecord{openGrant("g1", "Job Training Fund", "")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batch.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(batch.Results))
	}
	if batch.Results[0].ScorerProvenance != models.ProvenanceLLM {
		t.Fatalf("expected llm provenance, got %s", batch.Results[0].ScorerProvenance)
	}
	if batch.Manifest.ScoredByLLM != 1 || batch.Manifest.ScoredByFallback != 0 {
		t.Fatalf("expected manifest 1 llm / 0 fallback, got %d/%d",
			batch.Manifest.ScoredByLLM, batch.Manifest.ScoredByFallback)
	}
	if batch.Results[0].ComputedAt.IsZero() {
		t.Fatal("expected computed_at to be stamped")
	}
}

func TestEngine_FallbackOnLLMFailure(t *testing.T) {
	engine := NewEngine(fastRubric(t), &fakeClient{err: errors.New("connection refused")})

	batch, err := engine.Score(context.Background(), workforceProfile(),
		[]models.GrantRecord{openGrant("g1", "Job Training Fund", "")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batch.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(batch.Results))
	}
	if batch.Results[0].ScorerProvenance != models.ProvenanceFallback {
		t.Fatalf("expected fallback provenance, got %s", batch.Results[0].ScorerProvenance)
	}
	if batch.Manifest.ScoredByFallback != 1 {
		t.Fatalf("expected 1 fallback in manifest, got %d", batch.Manifest.ScoredByFallback)
	}
}

func TestEngine_FallbackOnUnparsableResponse(t *testing.T) {
	engine := NewEngine(fastRubric(t), &fakeClient{resp: "not json at all"})

	batch, err := engine.Score(context.Background(), workforceProfile(),
		[]models.GrantRecord{openGrant("g1", "Job Training Fund", "")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Results[0].ScorerProvenance != models.ProvenanceFallback {
		t.Fatalf("expected fallback provenance, got %s", batch.Results[0].ScorerProvenance)
	}
}

func TestEngine_NilClientIsFallbackOnly(t *testing.T) {
	engine := NewEngine(fastRubric(t), nil)

	batch, err := engine.Score(context.Background(), workforceProfile(),
		[]models.GrantRecord{openGrant("g1", "Job Training Fund", "")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Manifest.ScoredByFallback != 1 {
		t.Fatalf("expected 1 fallback, got %d", batch.Manifest.ScoredByFallback)
	}
}

func TestEngine_ManifestCounts(t *testing.T) {
	engine := NewEngine(fastRubric(t), nil)
	now := time.Now()
	yesterday := now.Add(-24 * time.Hour)

	grants := []models.GrantRecord{
		openGrant("excluded", "Tobacco Industry Fund", ""),
		{ID: "stale", Title: "Job Training Fund", DeadlineAt: &yesterday},
		openGrant("offtopic", "Marine Biology Research", "coral reefs"),
		openGrant("good", "Job Training Fund", ""),
	}

	batch, err := engine.Score(context.Background(), workforceProfile(), grants)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := batch.Manifest
	if m.TotalGrants != 4 {
		t.Fatalf("expected 4 total, got %d", m.TotalGrants)
	}
	if m.FilteredExcluded != 1 || m.FilteredDeadline != 1 || m.FilteredRelevance != 1 {
		t.Fatalf("expected 1/1/1 filter counts, got %d/%d/%d",
			m.FilteredExcluded, m.FilteredDeadline, m.FilteredRelevance)
	}
	if m.Filtered() != 3 {
		t.Fatalf("expected 3 filtered, got %d", m.Filtered())
	}
	if len(batch.Results) != 1 || batch.Results[0].GrantID != "good" {
		t.Fatalf("expected only 'good' scored, got %+v", batch.Results)
	}
}

func TestEngine_ResultsSortedByScore(t *testing.T) {
	engine := NewEngine(fastRubric(t), nil)

	grants := []models.GrantRecord{
		openGrant("weak", "Job Training Fund", ""),
		openGrant("strong", "Workforce Development and Job Training for Veterans",
			"Serving veterans and low-income adults in Ohio."),
	}

	batch, err := engine.Score(context.Background(), workforceProfile(), grants)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batch.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch.Results))
	}
	if batch.Results[0].GrantID != "strong" {
		t.Fatalf("expected strong grant first, got %s", batch.Results[0].GrantID)
	}
	if batch.Results[0].TotalScore <= batch.Results[1].TotalScore {
		t.Fatalf("expected descending scores, got %d then %d",
			batch.Results[0].TotalScore, batch.Results[1].TotalScore)
	}
}

// cancellingClient cancels the batch context during its first call, then
// answers normally. Later calls would only happen if dispatch kept going
// after the cancel.
type cancellingClient struct {
	cancel context.CancelFunc
	once   sync.Once
	calls  atomic.Int32
}

func (c *cancellingClient) GenerateCompletion(_ context.Context, _ string, _ bool) (string, error) {
	c.calls.Add(1)
	c.once.Do(c.cancel)
	time.Sleep(20 * time.Millisecond)
	return validPayload, nil
}

func TestEngine_MidBatchCancelStopsQueuedItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &cancellingClient{cancel: cancel}
	rubric := fastRubric(t)
	// One slot so every item after the first waits on the semaphore and must
	// observe the cancel there.
	rubric.LLM.Concurrency = 1
	engine := NewEngine(rubric, client)

	grants := []models.GrantRecord{
		openGrant("g1", "Job Training Fund", ""),
		openGrant("g2", "Job Training Fund", ""),
		openGrant("g3", "Job Training Fund", ""),
		openGrant("g4", "Job Training Fund", ""),
	}

	batch, err := engine.Score(ctx, workforceProfile(), grants)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The in-flight call completes; the queued ones never reach the model.
	if got := client.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 model call, got %d", got)
	}
	if len(batch.Results) != 1 {
		t.Fatalf("expected 1 partial result, got %d", len(batch.Results))
	}
	if batch.Manifest.ScoredByLLM != 1 || batch.Manifest.ScoredByFallback != 0 {
		t.Fatalf("expected manifest 1 llm / 0 fallback, got %d/%d",
			batch.Manifest.ScoredByLLM, batch.Manifest.ScoredByFallback)
	}
}

func TestEngine_CancelledContextStopsDispatch(t *testing.T) {
	client := &fakeClient{resp: validPayload}
	engine := NewEngine(fastRubric(t), client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := engine.Score(ctx, workforceProfile(),
		[]models.GrantRecord{
			openGrant("g1", "Job Training Fund", ""),
			openGrant("g2", "Job Training Fund", ""),
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Filtering still ran, but nothing was dispatched to a scorer.
	if batch.Manifest.TotalGrants != 2 {
		t.Fatalf("expected 2 total, got %d", batch.Manifest.TotalGrants)
	}
	if len(batch.Results) != 0 {
		t.Fatalf("expected no results after cancel, got %d", len(batch.Results))
	}
	if client.calls.Load() != 0 {
		t.Fatalf("expected no model calls after cancel, got %d", client.calls.Load())
	}
}
