package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/matching"
	"github.com/david/grant-matcher/internal/models"
)

type Server struct {
	Store  *db.Store
	Echo   *echo.Echo
	DB     *pgxpool.Pool
	AI     *ai.OllamaClient
	Rubric *matching.Rubric

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
	adminSecretErr     error
)

func NewServer(pool *pgxpool.Pool, rubric *matching.Rubric) *Server {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	store := db.NewStore(pool)

	ollamaHost := os.Getenv("OLLAMA_HOST")
	if ollamaHost == "" {
		ollamaHost = "http://localhost:11434"
	}
	aiClient := ai.NewOllamaClient(ollamaHost, rubric.LLM.Model)

	s := &Server{
		DB:     pool,
		Store:  store,
		Echo:   e,
		AI:     aiClient,
		Rubric: rubric,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")

	// Org Routes (scoring for the authenticated organization)
	org := api.Group("")
	org.Use(auth.Middleware)
	org.POST("/score", s.handleScore)
	org.GET("/scores", s.handleListScores)

	// Admin Routes (fleet-wide scoring, run history)
	admin := api.Group("/admin")
	admin.Use(s.adminMiddleware)
	admin.POST("/score-all", s.handleScoreAll)
	admin.GET("/job/:id", s.handleJobStatus)
	admin.GET("/runs", s.handleListRuns)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.DB.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unreachable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type scoreRequest struct {
	GrantIDs     []string `json:"grant_ids"`
	FallbackOnly bool     `json:"fallback_only"`
	Limit        int      `json:"limit"`
}

// handleScore runs the scoring pipeline for the authenticated organization,
// either over specific grants or over all open grants, and persists results.
func (s *Server) handleScore(c echo.Context) error {
	orgID, err := auth.GetOrgIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	var req scoreRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	ctx := c.Request().Context()

	profile, err := s.Store.GetProfile(ctx, orgID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "organization profile not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var grants []models.GrantRecord
	if len(req.GrantIDs) > 0 {
		grants, err = s.Store.GetGrantsByIDs(ctx, req.GrantIDs)
	} else {
		grants, err = s.Store.ListOpenGrants(ctx, req.Limit)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	batch, err := s.scoreAndPersist(ctx, profile, grants, req.FallbackOnly)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, batch)
}

// scoreAndPersist runs one engine batch, upserts scores and records the run
// manifest. Used by both the org endpoint and the admin fleet job.
func (s *Server) scoreAndPersist(ctx context.Context, profile models.OrganizationProfile, grants []models.GrantRecord, fallbackOnly bool) (*matching.BatchResult, error) {
	var client ai.CompletionClient
	if !fallbackOnly {
		client = s.AI
	}
	engine := matching.NewEngine(s.Rubric, client)

	runID, err := s.Store.CreateScoreRun(ctx, &profile.ID)
	if err != nil {
		return nil, err
	}

	batch, err := engine.Score(ctx, profile, grants)
	if err != nil {
		_ = s.Store.CompleteScoreRun(ctx, runID, "failed", models.ScoreRun{}, map[string]string{"error": err.Error()})
		return nil, err
	}

	if err := s.Store.SaveScores(ctx, profile.ID, batch.Results); err != nil {
		_ = s.Store.CompleteScoreRun(ctx, runID, "failed", manifestToRun(batch.Manifest), map[string]string{"error": err.Error()})
		return nil, err
	}

	details := map[string]any{
		"total_grants":         batch.Manifest.TotalGrants,
		"invariant_violations": batch.Manifest.InvariantViolations,
		"duration":             batch.Duration.String(),
		"prompt_chars":         batch.Usage.PromptChars,
		"output_chars":         batch.Usage.OutputChars,
	}
	if err := s.Store.CompleteScoreRun(ctx, runID, "completed", manifestToRun(batch.Manifest), details); err != nil {
		log.Printf("[api] failed to record score run %s: %v", runID, err)
	}

	return batch, nil
}

func manifestToRun(m matching.Manifest) models.ScoreRun {
	return models.ScoreRun{
		FilteredExcluded:  m.FilteredExcluded,
		FilteredDeadline:  m.FilteredDeadline,
		FilteredRelevance: m.FilteredRelevance,
		ScoredByLLM:       m.ScoredByLLM,
		ScoredByFallback:  m.ScoredByFallback,
	}
}

func (s *Server) handleListScores(c echo.Context) error {
	orgID, err := auth.GetOrgIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	minScore := 0
	if raw := strings.TrimSpace(c.QueryParam("min_score")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 && parsed <= 100 {
			minScore = parsed
		}
	}
	limit := 100
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	scores, err := s.Store.ListScores(c.Request().Context(), orgID, minScore, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if scores == nil {
		scores = []db.ScoredGrant{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"scores": scores,
		"count":  len(scores),
	})
}

// handleScoreAll scores every stored profile against all open grants in a
// background job. Returns 202 with a job id to poll.
func (s *Server) handleScoreAll(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "A scoring job is already running",
			"job_id": job.ID,
		})
	}

	fallbackOnly := c.QueryParam("fallback_only") == "true"

	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 5000 {
			limit = parsed
		}
	}

	// context.WithoutCancel detaches from HTTP lifecycle but preserves
	// trace values. We add our own timeout for safety.
	jobCtx, jobCancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), 30*time.Minute,
	)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	// Run in background goroutine — returns 202 immediately.
	go func() {
		defer jobCancel()

		profiles, err := s.Store.ListProfiles(jobCtx)
		if err != nil {
			s.finishJob(job, err)
			return
		}

		grants, err := s.Store.ListOpenGrants(jobCtx, limit)
		if err != nil {
			s.finishJob(job, err)
			return
		}

		perOrg := make(map[string]any, len(profiles))
		for _, profile := range profiles {
			batch, err := s.scoreAndPersist(jobCtx, profile, grants, fallbackOnly)
			if err != nil {
				log.Printf("[score-job %s] org %s failed: %v", jobID, profile.ID, err)
				perOrg[profile.ID.String()] = map[string]string{"error": err.Error()}
				continue
			}
			perOrg[profile.ID.String()] = batch.Manifest
		}

		s.jobMu.Lock()
		job.Status = "completed"
		job.EndedAt = time.Now()
		job.Result = map[string]any{
			"profiles": len(profiles),
			"grants":   len(grants),
			"per_org":  perOrg,
		}
		s.jobMu.Unlock()
		log.Printf("[score-job %s] completed: %d profiles x %d grants", jobID, len(profiles), len(grants))
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "running",
	})
}

func (s *Server) finishJob(job *backgroundJob, err error) {
	s.jobMu.Lock()
	job.Status = "failed"
	job.Error = err.Error()
	job.EndedAt = time.Now()
	s.jobMu.Unlock()
	log.Printf("[score-job %s] failed: %v", job.ID, err)
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	job := s.runningJob
	s.jobMu.Unlock()

	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	s.jobMu.Lock()
	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	s.jobMu.Unlock()

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 20
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	runs, err := s.Store.ListScoreRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []models.ScoreRun{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := adminSecret()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
		}

		// Check X-Admin-Secret header or Bearer token
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == secret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == secret {
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func adminSecret() (string, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = secret
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return "", adminSecretErr
	}
	if adminSecretRuntime == "" {
		return "", fmt.Errorf("admin secret unavailable")
	}

	return adminSecretRuntime, nil
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
