package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/grant-matcher/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const profileCols = `id, name, mission, focus_areas, target_demographics, geographic_focus,
	annual_budget_min, annual_budget_max, preferred_grant_min, preferred_grant_max,
	excluded_keywords, custom_search_keywords`

func scanProfile(scan func(dest ...interface{}) error) (models.OrganizationProfile, error) {
	var p models.OrganizationProfile
	err := scan(
		&p.ID, &p.Name, &p.Mission, &p.FocusAreas, &p.TargetDemographics, &p.GeographicFocus,
		&p.AnnualBudgetMin, &p.AnnualBudgetMax, &p.PreferredGrantMin, &p.PreferredGrantMax,
		&p.ExcludedKeywords, &p.CustomSearchKeywords,
	)
	return p, err
}

func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (models.OrganizationProfile, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+profileCols+" FROM org_profiles WHERE id = $1", id)
	p, err := scanProfile(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load profile %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]models.OrganizationProfile, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+profileCols+" FROM org_profiles ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.OrganizationProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

const grantCols = `id, title, funder, amount, deadline_at, close_date_raw,
	description_html, eligibility, source_domain`

func scanGrant(scan func(dest ...interface{}) error) (models.GrantRecord, error) {
	var g models.GrantRecord
	var closeDateRaw *string
	err := scan(
		&g.ID, &g.Title, &g.Funder, &g.Amount, &g.DeadlineAt, &closeDateRaw,
		&g.Description, &g.Eligibility, &g.Source,
	)
	if err != nil {
		return g, err
	}
	// The scraper records reference-only grants with the literal sentinel
	// "Historical" in place of a parseable close date.
	if closeDateRaw != nil && strings.EqualFold(strings.TrimSpace(*closeDateRaw), "historical") {
		g.DeadlineHistorical = true
	}
	return g, nil
}

// ListOpenGrants returns grants whose deadline has not passed, plus grants
// with no deadline or the historical sentinel. The pre-filter re-checks
// deadlines against its own clock; this query just bounds the batch size.
func (s *Store) ListOpenGrants(ctx context.Context, limit int) ([]models.GrantRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+grantCols+`
		FROM grants
		WHERE deadline_at IS NULL OR deadline_at >= NOW()
		ORDER BY deadline_at ASC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open grants: %w", err)
	}
	defer rows.Close()

	var grants []models.GrantRecord
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) GetGrantsByIDs(ctx context.Context, ids []string) ([]models.GrantRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT "+grantCols+" FROM grants WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	var grants []models.GrantRecord
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// SaveScores upserts a batch of results for one organization. Re-scoring a
// pair replaces the previous row.
func (s *Store) SaveScores(ctx context.Context, orgID uuid.UUID, results []models.ScoreResult) error {
	if len(results) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range results {
		breakdownJSON, err := json.Marshal(r.Breakdown)
		if err != nil {
			return fmt.Errorf("failed to encode breakdown for grant %s: %w", r.GrantID, err)
		}
		batch.Queue(`
			INSERT INTO grant_scores (org_id, grant_id, total_score, breakdown, reasoning, summary,
				key_tags, effort_estimate, winning_strategies, scorer_provenance, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (org_id, grant_id) DO UPDATE SET
				total_score = EXCLUDED.total_score,
				breakdown = EXCLUDED.breakdown,
				reasoning = EXCLUDED.reasoning,
				summary = EXCLUDED.summary,
				key_tags = EXCLUDED.key_tags,
				effort_estimate = EXCLUDED.effort_estimate,
				winning_strategies = EXCLUDED.winning_strategies,
				scorer_provenance = EXCLUDED.scorer_provenance,
				computed_at = EXCLUDED.computed_at`,
			orgID, r.GrantID, r.TotalScore, breakdownJSON, r.Reasoning, r.Summary,
			r.KeyTags, r.EffortEstimate, r.WinningStrategies, r.ScorerProvenance, r.ComputedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert score: %w", err)
		}
	}
	return nil
}

// ScoredGrant joins a stored score with the grant fields the dashboard lists.
type ScoredGrant struct {
	models.ScoreResult
	Title      string     `json:"title"`
	Funder     string     `json:"funder"`
	Amount     *float64   `json:"amount"`
	DeadlineAt *time.Time `json:"deadline_at"`
}

func (s *Store) ListScores(ctx context.Context, orgID uuid.UUID, minScore, limit int) ([]ScoredGrant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sc.grant_id, sc.total_score, sc.breakdown, sc.reasoning, sc.summary,
			sc.key_tags, sc.effort_estimate, sc.winning_strategies, sc.scorer_provenance, sc.computed_at,
			g.title, g.funder, g.amount, g.deadline_at
		FROM grant_scores sc
		JOIN grants g ON g.id = sc.grant_id
		WHERE sc.org_id = $1 AND sc.total_score >= $2
		ORDER BY sc.total_score DESC, sc.grant_id ASC
		LIMIT $3`, orgID, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	defer rows.Close()

	var scored []ScoredGrant
	for rows.Next() {
		var sg ScoredGrant
		var breakdownRaw []byte
		err := rows.Scan(
			&sg.GrantID, &sg.TotalScore, &breakdownRaw, &sg.Reasoning, &sg.Summary,
			&sg.KeyTags, &sg.EffortEstimate, &sg.WinningStrategies, &sg.ScorerProvenance, &sg.ComputedAt,
			&sg.Title, &sg.Funder, &sg.Amount, &sg.DeadlineAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		if err := json.Unmarshal(breakdownRaw, &sg.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown for grant %s: %w", sg.GrantID, err)
		}
		scored = append(scored, sg)
	}
	return scored, rows.Err()
}

func (s *Store) CreateScoreRun(ctx context.Context, orgID *uuid.UUID) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx,
		"INSERT INTO score_runs (org_id, status) VALUES ($1, 'running') RETURNING run_id",
		orgID).Scan(&runID)
	if err != nil {
		return "", fmt.Errorf("failed to create score run: %w", err)
	}
	return runID, nil
}

// CompleteScoreRun records the batch manifest. details carries any free-form
// diagnostics (dropped grant ids, usage totals) as JSON.
func (s *Store) CompleteScoreRun(ctx context.Context, runID, status string, run models.ScoreRun, details interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode run details: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE score_runs SET
			status = $2,
			filtered_excluded = $3,
			filtered_deadline = $4,
			filtered_relevance = $5,
			scored_by_llm = $6,
			scored_by_fallback = $7,
			details = $8,
			completed_at = NOW()
		WHERE run_id = $1`,
		runID, status,
		run.FilteredExcluded, run.FilteredDeadline, run.FilteredRelevance,
		run.ScoredByLLM, run.ScoredByFallback, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to complete score run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) ListScoreRuns(ctx context.Context, limit int) ([]models.ScoreRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, org_id, status, filtered_excluded, filtered_deadline, filtered_relevance,
			scored_by_llm, scored_by_fallback, started_at, completed_at
		FROM score_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list score runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ScoreRun
	for rows.Next() {
		var r models.ScoreRun
		err := rows.Scan(
			&r.RunID, &r.OrgID, &r.Status, &r.FilteredExcluded, &r.FilteredDeadline, &r.FilteredRelevance,
			&r.ScoredByLLM, &r.ScoredByFallback, &r.StartedAt, &r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
