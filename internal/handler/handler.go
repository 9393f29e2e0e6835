package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/videoinsight/internal/checkpoint"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/orchestrator"
	"github.com/videoinsight/internal/version"
	"github.com/videoinsight/pkg/logger"
)

// Service is the slice of the orchestrator the API exposes.
type Service interface {
	CreateJob(ctx context.Context, sourceRef string, override *job.Config) (*job.Job, error)
	Start(id string) error
	ResumeJob(ctx context.Context, id string) (<-chan orchestrator.Event, func(), error)
	Subscribe(id string) (<-chan orchestrator.Event, func())
	Report(ctx context.Context, id string) (*orchestrator.Report, error)
	ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)
	CancelJob(ctx context.Context, id string) error
	ReopenJob(ctx context.Context, id string) (*job.Job, error)
	SkipChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error)
}

// PoolStats reports worker pool load.
type PoolStats interface {
	Stats() (queued, running int)
}

// Handler handles HTTP requests.
type Handler struct {
	svc  Service
	pool PoolStats
	log  *zap.SugaredLogger
}

// New creates a new Handler. pool may be nil.
func New(svc Service, pool PoolStats) *Handler {
	return &Handler{svc: svc, pool: pool, log: logger.Named("api")}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/resume", h.ResumeJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.POST("/jobs/:id/reopen", h.ReopenJob)
		api.POST("/jobs/:id/chunks/:chunk/skip", h.SkipChunk)

		// Progress stream
		api.GET("/jobs/:id/stream", h.Stream)
	}
}

// Health returns service health status and worker load.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.pool != nil {
		queued, running := h.pool.Stats()
		resp["queued_chunks"] = queued
		resp["running_chunks"] = running
	}
	c.JSON(http.StatusOK, resp)
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

// CreateJobRequest is the body of POST /jobs. Zero fields use the server defaults.
type CreateJobRequest struct {
	Source      string `json:"source" binding:"required"`
	ChunkSizeMs int64  `json:"chunk_size_ms"`
	OverlapMs   int64  `json:"overlap_ms"`
	Quality     string `json:"quality"`
	Detail      string `json:"detail"`
	Language    string `json:"language"`
	MaxAttempts int    `json:"max_attempts"`
	OutputPath  string `json:"output_path"`
	// Start runs the job right away (default true).
	Start *bool `json:"start"`
}

// CreateJob records a job and, unless asked not to, starts it.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.svc.CreateJob(c.Request.Context(), req.Source, &job.Config{
		ChunkSizeMs: req.ChunkSizeMs,
		OverlapMs:   req.OverlapMs,
		Quality:     req.Quality,
		Detail:      req.Detail,
		Language:    req.Language,
		MaxAttempts: req.MaxAttempts,
		OutputPath:  req.OutputPath,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Infof("📥 Job submitted: %s (%s)", j.ID, j.SourceRef)

	if req.Start == nil || *req.Start {
		if err := h.svc.Start(j.ID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusAccepted, j)
}

// ListJobs returns jobs, optionally filtered by ?status=a,b.
func (h *Handler) ListJobs(c *gin.Context) {
	var statuses []job.Status
	if raw := c.Query("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			s, err := job.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			statuses = append(statuses, s)
		}
	}

	jobs, err := h.svc.ListJobs(c.Request.Context(), statuses...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns a job report: record, chunk counts and problem chunks.
func (h *Handler) GetJob(c *gin.Context) {
	report, err := h.svc.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ResumeJob starts a non-terminal job in the background.
func (h *Handler) ResumeJob(c *gin.Context) {
	id := c.Param("id")
	report, err := h.svc.Report(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if report.Job.Status.Terminal() {
		h.writeError(c, fmt.Errorf("%w: %s is %s", orchestrator.ErrTerminal, id, report.Job.Status))
		return
	}
	if err := h.svc.Start(id); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Infof("▶️ Job resumed: %s", id)
	c.JSON(http.StatusAccepted, gin.H{"message": "job resumed", "job": id})
}

// CancelJob stops a job.
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.CancelJob(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled", "job": id})
}

// ReopenJob makes a cancelled or failed job resumable.
func (h *Handler) ReopenJob(c *gin.Context) {
	j, err := h.svc.ReopenJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// SkipChunk marks a failed chunk skipped.
func (h *Handler) SkipChunk(c *gin.Context) {
	chunkID, err := strconv.Atoi(c.Param("chunk"))
	if err != nil || chunkID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk id"})
		return
	}
	chunk, err := h.svc.SkipChunk(c.Request.Context(), c.Param("id"), chunkID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chunk)
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobRunning),
		errors.Is(err, orchestrator.ErrTerminal),
		errors.Is(err, job.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShutdown):
		status = http.StatusServiceUnavailable
	case job.IsKind(err, job.KindInvalidConfig):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Errorf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
