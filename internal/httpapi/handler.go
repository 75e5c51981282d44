package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/store"
	"github.com/menta2k/photo-enricher/internal/utils"
	"github.com/menta2k/photo-enricher/pkg/categories"
	"github.com/menta2k/photo-enricher/pkg/pipeline"
	"github.com/menta2k/photo-enricher/pkg/types"
)

const (
	// CostPerImage is the approximate USD price of one analysis
	CostPerImage = 0.01
	// MaxBatchSize caps the images of one batch or cost estimate
	MaxBatchSize = 100
)

// Analyzer is the pipeline surface used by the handlers
type Analyzer interface {
	Trigger(ctx context.Context, imageID uint, path string) error
	AnalyzeBatch(ctx context.Context, jobs []pipeline.Job) (pipeline.BatchReport, error)
}

// Images looks up stored images
type Images interface {
	GetImage(ctx context.Context, id uint) (*store.Image, error)
}

// ServiceStatus describes the configured inference backend
type ServiceStatus struct {
	Enabled    bool          `json:"ai_enabled"`
	Backend    string        `json:"backend"`
	Model      string        `json:"model"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"-"`
	Timeout    time.Duration `json:"-"`
}

// Deps are the collaborators of the HTTP surface
type Deps struct {
	Analyzer Analyzer
	Images   Images
	Status   ServiceStatus
	Version  string
	Logger   logrus.FieldLogger
	// CORSOrigins lists the browser origins allowed to call the API. Empty disables CORS.
	CORSOrigins []string
}

type BatchRequest struct {
	ImageIDs []uint `json:"image_ids" binding:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type handler struct {
	Deps
	log logrus.FieldLogger
}

// NewHandler builds the gin router
func NewHandler(deps Deps) http.Handler {
	h := &handler{Deps: deps, log: logging.OrDiscard(deps.Logger)}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     deps.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", h.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/ai")
	api.POST("/analyze/batch", h.analyzeBatch)
	api.POST("/analyze/:id", h.analyzeImage)
	api.GET("/status", h.serviceStatus)
	api.GET("/status/:id", h.imageStatus)
	api.GET("/cost-estimate", h.costEstimate)

	return r
}

func (h *handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": h.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// analyzeImage schedules a background analysis and answers immediately
func (h *handler) analyzeImage(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	img, ok := h.lookupImage(c, id)
	if !ok {
		return
	}
	if !utils.FileExists(img.FilePath) {
		h.respondError(c, http.StatusNotFound, "image file not found", fmt.Errorf("%s is missing", img.FilePath))
		return
	}

	if err := h.Analyzer.Trigger(c.Request.Context(), id, img.FilePath); err != nil {
		h.respondError(c, statusFor(err), "failed to schedule analysis", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"image_id": id,
		"status":   types.StatusPending,
		"message":  fmt.Sprintf("AI analysis scheduled for image %d", id),
	})
}

// analyzeBatch runs a synchronous batch and returns its report
func (h *handler) analyzeBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}
	if len(req.ImageIDs) == 0 || len(req.ImageIDs) > MaxBatchSize {
		h.respondError(c, http.StatusBadRequest, "invalid batch",
			fmt.Errorf("between 1 and %d image ids required, got %d", MaxBatchSize, len(req.ImageIDs)))
		return
	}

	var (
		jobs    []pipeline.Job
		skipped []pipeline.Outcome
	)
	for _, id := range req.ImageIDs {
		img, err := h.Images.GetImage(c.Request.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			skipped = append(skipped, pipeline.Outcome{ImageID: id, Status: types.StatusFailed, Error: "image not found"})
		case err != nil:
			h.respondError(c, http.StatusInternalServerError, "failed to load image", err)
			return
		case !utils.FileExists(img.FilePath):
			skipped = append(skipped, pipeline.Outcome{ImageID: id, Status: types.StatusFailed, Error: "image file not found"})
		default:
			jobs = append(jobs, pipeline.Job{ImageID: id, FilePath: img.FilePath})
		}
	}

	report, err := h.Analyzer.AnalyzeBatch(c.Request.Context(), jobs)
	report.Total += len(skipped)
	report.Failed += len(skipped)
	report.Results = append(report.Results, skipped...)
	if err != nil {
		h.log.WithError(err).WithField("fatal", true).Error("batch aborted by fatal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *handler) serviceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ai_enabled":  h.Status.Enabled,
		"backend":     h.Status.Backend,
		"model":       h.Status.Model,
		"max_retries": h.Status.MaxRetries,
		"retry_delay": h.Status.RetryDelay.Seconds(),
		"timeout":     h.Status.Timeout.Seconds(),
	})
}

func (h *handler) imageStatus(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	img, ok := h.lookupImage(c, id)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"image_id":              img.ID,
		"status":                img.AIProcessingStatus,
		"needs_manual_metadata": img.NeedsManualMetadata,
		"error_message":         img.AIErrorMessage,
		"ai_category_id":        img.AICategoryID,
		"updated_at":            img.UpdatedAt,
	})
}

func (h *handler) costEstimate(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("num_images", "1"))
	if err != nil || n < 1 || n > MaxBatchSize {
		h.respondError(c, http.StatusBadRequest, "invalid num_images",
			fmt.Errorf("number of images must be between 1 and %d", MaxBatchSize))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"num_images":     n,
		"cost_per_image": CostPerImage,
		"total_cost":     float64(n) * CostPerImage,
		"currency":       "USD",
		"note":           "Costs are approximate and depend on image complexity and API pricing",
	})
}

func (h *handler) imageID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		h.respondError(c, http.StatusBadRequest, "invalid image id", fmt.Errorf("%q is not a positive integer", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}

func (h *handler) lookupImage(c *gin.Context, id uint) (*store.Image, bool) {
	img, err := h.Images.GetImage(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, statusFor(err), "image lookup failed", err)
		return nil, false
	}
	return img, true
}

// Middleware and helper functions
func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		}).Debug("request handled")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, categories.ErrSeedDataMissing):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) respondError(c *gin.Context, code int, message string, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
	}).Warn("Request failed")

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
