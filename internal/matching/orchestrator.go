package matching

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/models"
)

// Engine drives the scoring pipeline across a list of grants for one
// organization: Pending -> Filtering -> Scoring -> Done. Items are
// independent; a failure scoring one grant never blocks the others.
type Engine struct {
	rubric    *Rubric
	prefilter *PreFilter
	llm       *LLMScorer // nil in fallback-only mode
	fallback  *RuleBasedScorer

	concurrency int
	nowFn       func() time.Time
}

// NewEngine wires the pipeline. Pass a nil client to run fallback-only
// (cost-free bulk triage on the deterministic path).
func NewEngine(rubric *Rubric, client ai.CompletionClient) *Engine {
	e := &Engine{
		rubric:      rubric,
		prefilter:   NewPreFilter(rubric),
		fallback:    NewRuleBasedScorer(rubric),
		concurrency: rubric.LLM.Concurrency,
		nowFn:       time.Now,
	}
	if client != nil {
		e.llm = NewLLMScorer(client, rubric)
	}
	if e.concurrency <= 0 {
		// Bounded to respect provider rate limits, not internal state.
		e.concurrency = 4
	}
	return e
}

type itemOutcome struct {
	result models.ScoreResult
	usage  Usage
	llmRan bool
	failed bool // invariant violation; item dropped
}

// Score is the batch entrypoint: it filters, scores survivors concurrently,
// and returns results sorted by score descending plus the manifest.
//
// Cancellation stops dispatching new items but lets in-flight model calls
// run to completion (their cost is already spent); partially completed
// batches return whatever results are ready.
func (e *Engine) Score(ctx context.Context, profile models.OrganizationProfile, grants []models.GrantRecord) (*BatchResult, error) {
	start := e.nowFn()
	now := start.UTC()

	profile = NormalizeProfile(profile, e.rubric)

	manifest := Manifest{TotalGrants: len(grants)}

	// Filtering: zero-cost, sequential.
	survivors := make([]models.GrantRecord, 0, len(grants))
	for _, grant := range grants {
		g := NormalizeGrant(grant, e.rubric)
		decision := e.prefilter.Check(profile, g, now)
		switch decision.Reason {
		case FilterExcludedKeyword:
			manifest.FilteredExcluded++
			log.Printf("[score] grant %s filtered: excluded keyword %q", g.ID, decision.Matched)
		case FilterDeadlinePassed:
			manifest.FilteredDeadline++
		case FilterNoRelevance:
			manifest.FilteredRelevance++
		default:
			survivors = append(survivors, g)
		}
	}

	// Scoring: embarrassingly parallel across grants. Each worker reports
	// its own usage; we sum after join rather than via shared counters.
	outcomes := make(chan itemOutcome, len(survivors))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	dispatched := 0
	for _, grant := range survivors {
		// No new items once the caller cancels.
		select {
		case <-ctx.Done():
		default:
			wg.Add(1)
			dispatched++
			go func(g models.GrantRecord) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				// Queued items can outlive a cancel while waiting on the
				// semaphore; dispatch stops here, not just in the spawn loop.
				if ctx.Err() != nil {
					return
				}
				outcomes <- e.scoreOne(ctx, profile, g)
			}(grant)
			continue
		}
		break
	}

	wg.Wait()
	close(outcomes)

	results := make([]models.ScoreResult, 0, dispatched)
	var usage Usage
	for o := range outcomes {
		usage.PromptChars += o.usage.PromptChars
		usage.OutputChars += o.usage.OutputChars
		usage.Latency += o.usage.Latency
		if o.failed {
			manifest.InvariantViolations++
			continue
		}
		if o.llmRan {
			manifest.ScoredByLLM++
		} else {
			manifest.ScoredByFallback++
		}
		results = append(results, o.result)
	}

	SortResults(results)

	duration := e.nowFn().Sub(start)
	log.Printf("[score] batch done: %d grants, %d filtered, %d llm, %d fallback, %d dropped in %s",
		manifest.TotalGrants, manifest.Filtered(), manifest.ScoredByLLM, manifest.ScoredByFallback,
		manifest.InvariantViolations, duration.Round(time.Millisecond))
	if manifest.ScoredByLLM > 0 {
		log.Printf("[score] llm usage: %d prompt chars, %d output chars, %s model time (per-item ceiling $%.3f)",
			usage.PromptChars, usage.OutputChars, usage.Latency.Round(time.Millisecond), e.rubric.LLM.CostCeilingUSD)
	}

	return &BatchResult{
		Results:  results,
		Manifest: manifest,
		Usage:    usage,
		Duration: duration,
	}, nil
}

// scoreOne attempts the LLM path then falls back to the rule-based scorer.
// LLM failures are recovered locally and logged for offline quality
// monitoring; only an invariant violation drops the item.
func (e *Engine) scoreOne(ctx context.Context, profile models.OrganizationProfile, grant models.GrantRecord) itemOutcome {
	var result models.ScoreResult
	var usage Usage
	llmRan := false

	if e.llm != nil {
		// Detached from batch cancellation: once dispatched, the call's cost
		// is committed, so we let it finish under its own per-call timeout.
		callCtx := context.WithoutCancel(ctx)
		llmResult, llmUsage, err := e.llm.ScoreWithUsage(callCtx, profile, grant)
		usage = llmUsage
		if err != nil {
			log.Printf("[score] grant %s: llm path failed, using fallback: %v", grant.ID, err)
		} else {
			result = llmResult
			llmRan = true
		}
	}

	if !llmRan {
		// The rule-based path is pure and never blocks.
		result, _ = e.fallback.Score(ctx, profile, grant)
	}

	result.ComputedAt = e.nowFn().UTC()

	if err := ValidateResult(result, e.rubric.Dimensions); err != nil {
		log.Printf("[score] INVARIANT VIOLATION, dropping grant %s: %v", grant.ID, err)
		return itemOutcome{usage: usage, failed: true}
	}

	return itemOutcome{result: result, usage: usage, llmRan: llmRan}
}
