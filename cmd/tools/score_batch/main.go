package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/matching"
)

// score_batch scores all open grants for one organization from the command
// line. With -fallback-only it never touches the model, which makes it a
// cheap way to smoke-test the rubric after edits.
func main() {
	orgFlag := flag.String("org", "", "organization profile UUID (required)")
	fallbackOnly := flag.Bool("fallback-only", false, "skip the LLM and score on the deterministic path")
	limit := flag.Int("limit", 200, "max grants to score")
	rubricPath := flag.String("rubric", "", "path to a rubric.yaml override (default: embedded)")
	save := flag.Bool("save", false, "persist scores to the database")
	top := flag.Int("top", 20, "rows to print")
	flag.Parse()

	orgID, err := uuid.Parse(*orgFlag)
	if err != nil {
		log.Fatalf("invalid -org: %v", err)
	}

	rubric, err := matching.LoadRubric(*rubricPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)

	profile, err := store.GetProfile(ctx, orgID)
	if err != nil {
		log.Fatal(err)
	}
	grants, err := store.ListOpenGrants(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	var client ai.CompletionClient
	if !*fallbackOnly {
		client = ai.NewOllamaClient(os.Getenv("OLLAMA_HOST"), rubric.LLM.Model)
	}

	engine := matching.NewEngine(rubric, client)
	batch, err := engine.Score(ctx, profile, grants)
	if err != nil {
		log.Fatal(err)
	}

	if *save {
		if err := store.SaveScores(ctx, orgID, batch.Results); err != nil {
			log.Fatal(err)
		}
		log.Printf("Saved %d scores for %s", len(batch.Results), profile.Name)
	}

	m := batch.Manifest
	fmt.Printf("\n%s: %d grants, %d filtered (%d excluded, %d deadline, %d relevance), %d llm, %d fallback, %d dropped\n\n",
		profile.Name, m.TotalGrants, m.Filtered(), m.FilteredExcluded, m.FilteredDeadline, m.FilteredRelevance,
		m.ScoredByLLM, m.ScoredByFallback, m.InvariantViolations)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Score", "Grant", "Mission", "Pop", "Geo", "Fund", "Elig", "Strat", "Effort", "Scorer"})

	for i, r := range batch.Results {
		if i >= *top {
			break
		}
		b := r.Breakdown
		t.AppendRow(table.Row{
			r.TotalScore, r.GrantID,
			b.MissionAlignment, b.TargetPopulation, b.GeographicCoverage,
			b.FundingFit, b.Eligibility, b.StrategicValue,
			r.EffortEstimate, r.ScorerProvenance,
		})
	}
	t.Render()
}
