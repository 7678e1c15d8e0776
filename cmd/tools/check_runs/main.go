package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-matcher/internal/db"
)

func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	runs, err := store.ListScoreRuns(ctx, 10)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Org", "Status", "Excluded", "Deadline", "Relevance", "LLM", "Fallback", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		org := "-"
		if r.OrgID != nil {
			org = r.OrgID.String()[:8]
		}

		t.AppendRow(table.Row{
			r.RunID[:8], org, r.Status,
			r.FilteredExcluded, r.FilteredDeadline, r.FilteredRelevance,
			r.ScoredByLLM, r.ScoredByFallback,
			duration, r.StartedAt.Format("15:04:05"),
		})
	}
	t.Render()
}
