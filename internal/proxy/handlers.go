package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/attendguard/attendguard/internal/fingerprint"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/pagination"
	"github.com/attendguard/attendguard/internal/ratelimit"
	"github.com/attendguard/attendguard/internal/validation"
)

// ReviewerHeader names the reviewer recorded on status changes.
const ReviewerHeader = "X-Reviewer"

// Handler provides HTTP endpoints for verification intake and review.
type Handler struct {
	review     *Review
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter
}

// NewHandler creates a new handler.
func NewHandler(review *Review, dispatcher *Dispatcher) *Handler {
	return &Handler{review: review, dispatcher: dispatcher}
}

// WithIntakeLimiter throttles POST /verifications per client address.
func (h *Handler) WithIntakeLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// RegisterRoutes sets up the verification and review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	intake := []gin.HandlerFunc{h.SubmitVerification}
	if h.limiter != nil {
		intake = append([]gin.HandlerFunc{h.limiter.Middleware()}, intake...)
	}
	r.POST("/verifications", intake...)

	r.GET("/violations", h.ListViolations)
	r.GET("/violations/stats", h.GetStats)
	r.GET("/violations/export.csv", h.ExportCSV)
	r.POST("/violations/bulk", h.BulkUpdate)
	r.GET("/violations/:id", validation.UUIDParamMiddleware("id"), h.GetViolation)
	r.PATCH("/violations/:id", validation.UUIDParamMiddleware("id"), h.UpdateViolation)
}

// VerificationRequest is the body of POST /v1/verifications. When
// requestContext is omitted it is derived from the HTTP request itself.
type VerificationRequest struct {
	SessionID      string               `json:"sessionId" binding:"required"`
	StudentID      string               `json:"studentId" binding:"required"`
	StudentLabel   string               `json:"studentLabel"`
	Location       *LocationFix         `json:"location"`
	RequestContext *fingerprint.Context `json:"requestContext"`
	OccurredAt     *time.Time           `json:"occurredAt"`
	AttendanceRef  string               `json:"attendanceRef"`
}

// SubmitVerification handles POST /v1/verifications
func (h *Handler) SubmitVerification(c *gin.Context) {
	var req VerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e := &Event{
		SessionID:     req.SessionID,
		StudentID:     req.StudentID,
		StudentLabel:  validation.SanitizeString(req.StudentLabel, validation.MaxStringLength),
		Location:      req.Location,
		OccurredAt:    time.Now().UTC(),
		AttendanceRef: req.AttendanceRef,
	}
	if req.OccurredAt != nil {
		e.OccurredAt = req.OccurredAt.UTC()
	}
	if req.RequestContext != nil {
		e.Request = *req.RequestContext
	} else {
		e.Request = fingerprint.FromRequest(c.Request, c.ClientIP())
	}
	if err := e.Validate(); err != nil {
		writeError(c, err)
		return
	}

	if err := h.dispatcher.Submit(e); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_full",
			"message": "Verification queue is full, retry later",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ListViolations handles GET /v1/violations
func (h *Handler) ListViolations(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.review.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetViolation handles GET /v1/violations/:id
func (h *Handler) GetViolation(c *gin.Context) {
	v, err := h.review.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violation": v})
}

// UpdateViolation handles PATCH /v1/violations/:id
func (h *Handler) UpdateViolation(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}
	req.ReviewedBy = c.GetHeader(ReviewerHeader)

	v, err := h.review.UpdateSingle(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violation": v})
}

// BulkUpdate handles POST /v1/violations/bulk
func (h *Handler) BulkUpdate(c *gin.Context) {
	var req BulkReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ids and status are required",
		})
		return
	}

	n, err := h.review.BulkUpdate(c.Request.Context(), req.IDs, req.Status, c.GetHeader(ReviewerHeader), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updatedCount": n})
}

// GetStats handles GET /v1/violations/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.review.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ExportCSV handles GET /v1/violations/export.csv
func (h *Handler) ExportCSV(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	name := fmt.Sprintf("proxy-violations-%s.csv", time.Now().UTC().Format("2006-01-02"))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)

	if err := h.review.ExportCSV(c.Request.Context(), c.Writer, f); err != nil {
		// headers are already sent
		logging.L(c.Request.Context()).Error("csv export aborted", "error", err)
	}
}

func parseFilter(c *gin.Context) (ListFilter, error) {
	var f ListFilter
	var err error
	if s := c.Query("status"); s != "" {
		if f.Status, err = ParseStatus(s); err != nil {
			return f, err
		}
	}
	if k := c.Query("kind"); k != "" {
		if f.Kind, err = ParseKind(k); err != nil {
			return f, err
		}
	}
	f.Student = validation.SanitizeString(c.Query("student"), 200)
	f.SessionID = c.Query("sessionId")
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, fmt.Errorf("%w: from must be RFC 3339", ErrInvalidInput)
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, fmt.Errorf("%w: to must be RFC 3339", ErrInvalidInput)
	}
	if l := c.Query("limit"); l != "" {
		if f.Limit, err = strconv.Atoi(l); err != nil {
			return f, fmt.Errorf("%w: limit must be a number", ErrInvalidInput)
		}
	}
	if f.Cursor, err = pagination.Decode(c.Query("cursor")); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Violation not found"})
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
