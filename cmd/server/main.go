package main

import (
	"context"
	"log"
	"os"

	"github.com/david/grant-matcher/internal/api"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/matching"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	rubric, err := matching.LoadRubric(os.Getenv("RUBRIC_PATH"))
	if err != nil {
		log.Fatalf("Failed to load rubric: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	srv := api.NewServer(pool, rubric)
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
