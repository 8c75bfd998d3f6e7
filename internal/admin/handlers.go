package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	pipeline PipelineState
	pruner   SightingPruner
	training TrainingExporter
	loc      *time.Location
	now      func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{loc: time.Local, now: time.Now}
}

// WithPipeline sets the dispatcher reported by the status endpoint.
func (h *Handler) WithPipeline(p PipelineState) *Handler {
	h.pipeline = p
	return h
}

// WithPruner sets the sighting janitor for on-demand pruning.
func (h *Handler) WithPruner(p SightingPruner) *Handler {
	h.pruner = p
	return h
}

// WithTrainingExporter sets the source of labeled scorer training data.
// Hour and weekday features are computed in loc.
func (h *Handler) WithTrainingExporter(t TrainingExporter, loc *time.Location) *Handler {
	h.training = t
	if loc != nil {
		h.loc = loc
	}
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/pipeline", h.pipelineStatus)
	r.POST("/admin/sightings/prune", h.pruneSightings)
	r.GET("/admin/training/export", h.exportTraining)
}

func (h *Handler) pipelineStatus(c *gin.Context) {
	if h.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	st := PipelineStatus{
		DispatcherRunning: h.pipeline.Running(),
		Pending:           h.pipeline.Pending(),
		Dropped:           h.pipeline.Dropped(),
		Timestamp:         h.now().UTC(),
	}
	if h.pruner != nil {
		st.JanitorRunning = h.pruner.Running()
	}
	c.JSON(http.StatusOK, st)
}

// pruneSightings runs the retention sweep now instead of waiting for the
// janitor's next tick.
func (h *Handler) pruneSightings(c *gin.Context) {
	if h.pruner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sighting janitor not configured"})
		return
	}

	n, err := h.pruner.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prune sightings", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"prunedCount": n})
}

// exportTraining returns CONFIRMED and CLEARED violations as labeled rows
// for retraining the external scorer.
func (h *Handler) exportTraining(c *gin.Context) {
	if h.training == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training export not configured"})
		return
	}

	since := h.now().AddDate(0, 0, -90) // Default: last 90 days
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "since must be RFC 3339"})
			return
		}
		since = parsed
	}

	limit := 500
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	examples, err := h.training.LabeledExamples(c.Request.Context(), since, limit, h.loc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export training data", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"examples": examples, "count": len(examples), "since": since.UTC()})
}
