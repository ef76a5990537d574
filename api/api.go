// Package api exposes the orchestration service over HTTP: job
// submission, status and result retrieval, health, and metrics.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/metrics"
	"github.com/reelworks/renderq/service"
)

// resultFilename is the download name attached to every result response.
const resultFilename = "generated_video.mp4"

// Server wires the HTTP routes to the service layer.
type Server struct {
	svc     *service.Service
	storer  renderq.Storer
	metrics *metrics.Registry
	logger  *slog.Logger

	maxUploadBytes int64
	limiter        *rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithMaxUploadBytes bounds the request body read for submissions.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUploadBytes = n }
}

// WithSubmitRateLimit throttles submissions to r per second with the
// given burst. A nil limiter (the default) disables throttling.
func WithSubmitRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(r, burst) }
}

// NewServer creates the HTTP server wiring.
func NewServer(
	svc *service.Service,
	storer renderq.Storer,
	registry *metrics.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		svc:            svc,
		storer:         storer,
		metrics:        registry,
		logger:         logger,
		maxUploadBytes: 20 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/generate", s.handleGenerate)
	r.GET("/status/:id", s.handleStatus)
	r.GET("/results/:id", s.handleResults)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)

	return r
}

func (s *Server) handleGenerate(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many submissions, retry later"})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file field"})
		return
	}
	defer file.Close()

	// Read one byte past the bound so oversized uploads are detected
	// rather than silently truncated.
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	j, err := s.svc.Submit(c.Request.Context(), header.Filename, data)
	if err != nil {
		if errors.Is(err, renderq.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("submission failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": j.ID.String(),
		"status":  string(j.State),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	j, err := s.svc.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, renderq.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("status lookup failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up task"})
		return
	}

	body := gin.H{
		"task_id": j.ID.String(),
		"status":  string(j.State),
	}
	if j.Error != nil {
		body["error"] = gin.H{
			"cause":  j.Error.Cause,
			"detail": j.Error.Detail,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleResults(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	data, err := s.svc.Result(c.Request.Context(), jobID)
	if err != nil {
		var failure *renderq.JobFailedError
		switch {
		case errors.Is(err, renderq.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, renderq.ErrResultNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": "result not ready"})
		case errors.As(err, &failure):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "task failed",
				"cause":  failure.Cause,
				"detail": failure.Detail,
			})
		default:
			s.logger.Error("result fetch failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch result"})
		}
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+resultFilename+`"`)
	c.Data(http.StatusOK, "video/mp4", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.storer.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	if err := s.metrics.WriteText(c.Writer); err != nil {
		s.logger.Error("metrics write failed", slog.String("error", err.Error()))
	}
}
