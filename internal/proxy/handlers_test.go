package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/fingerprint"
	"github.com/attendguard/attendguard/internal/ratelimit"
)

type handlerEnv struct {
	store      *MemoryStore
	dispatcher *Dispatcher
	router     *gin.Engine
}

func setupHandler(t *testing.T, queueSize int) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	v := newTestVerifier(store, DefaultThresholds())
	d := NewDispatcher(v, 1, queueSize, time.Second, discardLogger())
	h := NewHandler(newTestReview(store), d)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return &handlerEnv{store: store, dispatcher: d, router: r}
}

func (env *handlerEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestHandler_SubmitVerification(t *testing.T) {
	env := setupHandler(t, 10)

	w := env.do(http.MethodPost, "/v1/verifications", map[string]any{
		"sessionId": "sess-1",
		"studentId": "s1",
		"location":  map[string]any{"lat": 19.0760, "lng": 72.8777, "accuracyMeters": 12},
		"requestContext": map[string]any{
			"networkAddress":  "10.0.0.7",
			"clientSignature": "Mozilla/5.0",
		},
		"occurredAt": t0.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1, env.dispatcher.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.dispatcher.Start(ctx)

	assert.Eventually(t, func() bool {
		vs, _, _ := env.store.ListViolations(context.Background(), ListFilter{})
		return len(vs) == 1
	}, time.Second, 5*time.Millisecond)

	vs, _, _ := env.store.ListViolations(context.Background(), ListFilter{})
	assert.Equal(t, KindOutsideGeofence, vs[0].Kind)
	assert.Equal(t, fingerprint.Of(fingerprint.Context{NetworkAddress: "10.0.0.7", ClientSignature: "Mozilla/5.0"}), vs[0].Fingerprint)
}

func TestHandler_SubmitDerivesRequestContext(t *testing.T) {
	env := setupHandler(t, 10)

	w := env.do(http.MethodPost, "/v1/verifications",
		map[string]any{"sessionId": "sess-1", "studentId": "s1"},
		"User-Agent", "TestAgent/1.0", "Accept-Language", "en-IN")
	require.Equal(t, http.StatusAccepted, w.Code)

	e := <-env.dispatcher.queue
	assert.Equal(t, "TestAgent/1.0", e.Request.ClientSignature)
	assert.Equal(t, "en-IN", e.Request.LocaleHint)
	assert.NotEmpty(t, e.Request.NetworkAddress)
	assert.False(t, e.OccurredAt.IsZero())
}

func TestHandler_SubmitRejectsBadInput(t *testing.T) {
	env := setupHandler(t, 10)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing student", map[string]any{"sessionId": "sess-1"}},
		{"bad latitude", map[string]any{"sessionId": "sess-1", "studentId": "s1", "location": map[string]any{"lat": 120, "lng": 0}}},
		{"negative accuracy", map[string]any{"sessionId": "sess-1", "studentId": "s1", "location": map[string]any{"lat": 1, "lng": 1, "accuracyMeters": -3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/verifications", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, env.dispatcher.Pending())
}

func TestHandler_SubmitQueueFull(t *testing.T) {
	env := setupHandler(t, 1)
	body := map[string]any{"sessionId": "sess-1", "studentId": "s1"}

	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/verifications", body).Code)
	w := env.do(http.MethodPost, "/v1/verifications", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "queue_full", decode(t, w)["error"])
}

func TestHandler_IntakeLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	l := ratelimit.New(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()
	h := NewHandler(newTestReview(store), NewDispatcher(newTestVerifier(store, DefaultThresholds()), 1, 10, time.Second, discardLogger())).
		WithIntakeLimiter(l)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	env := &handlerEnv{store: store, router: r}

	body := map[string]any{"sessionId": "sess-1", "studentId": "s1"}
	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/verifications", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodPost, "/v1/verifications", body).Code)

	// review routes are not throttled by the intake limiter
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/violations", nil).Code)
}

func TestHandler_ListViolations(t *testing.T) {
	env := setupHandler(t, 1)
	seed(t, env.store, 3, func(i int, v *Violation) {
		if i == 0 {
			v.Kind = KindLowAccuracy
		}
	})

	w := env.do(http.MethodGet, "/v1/violations?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Violations, 2)
	assert.True(t, page.HasMore)

	w = env.do(http.MethodGet, "/v1/violations?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = Page{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Violations, 1)
	assert.Equal(t, "s0", page.Violations[0].StudentID)
	assert.Equal(t, KindLowAccuracy, page.Violations[0].Kind)
}

func TestHandler_ListRejectsBadFilters(t *testing.T) {
	env := setupHandler(t, 1)

	for _, q := range []string{"status=open", "kind=teleport", "from=yesterday", "limit=ten", "cursor=!!!"} {
		w := env.do(http.MethodGet, "/v1/violations?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandler_GetViolation(t *testing.T) {
	env := setupHandler(t, 1)
	vs := seed(t, env.store, 1, nil)

	w := env.do(http.MethodGet, "/v1/violations/"+vs[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Violation Violation `json:"violation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, vs[0].ID, body.Violation.ID)
	assert.Equal(t, GeofenceEvidence{DistanceMeters: 600, RadiusMeters: 500}, body.Violation.Evidence)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/violations/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/violations/not-a-uuid", nil).Code)
}

func TestHandler_UpdateViolation(t *testing.T) {
	env := setupHandler(t, 1)
	vs := seed(t, env.store, 1, nil)

	w := env.do(http.MethodPatch, "/v1/violations/"+vs[0].ID,
		map[string]any{"status": "CONFIRMED", "notes": "seen on CCTV"}, ReviewerHeader, "prof-k")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := env.store.GetViolation(context.Background(), vs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "seen on CCTV", got.ReviewNotes)
	assert.Equal(t, "prof-k", got.ReviewedBy)

	w = env.do(http.MethodPatch, "/v1/violations/"+vs[0].ID, map[string]any{"status": "ARCHIVED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", decode(t, w)["error"])

	w = env.do(http.MethodPatch, "/v1/violations/"+vs[0].ID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_BulkUpdate(t *testing.T) {
	env := setupHandler(t, 1)
	vs := seed(t, env.store, 3, nil)

	w := env.do(http.MethodPost, "/v1/violations/bulk", map[string]any{
		"ids":    []string{vs[0].ID, vs[2].ID},
		"status": "CLEARED",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["updatedCount"])

	w = env.do(http.MethodPost, "/v1/violations/bulk", map[string]any{"ids": []string{}, "status": "CLEARED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/v1/violations/bulk", map[string]any{"ids": []string{vs[1].ID}, "status": "FLAGGED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", decode(t, w)["error"])
}

func TestHandler_Stats(t *testing.T) {
	env := setupHandler(t, 1)
	seed(t, env.store, 2, nil)

	w := env.do(http.MethodGet, "/v1/violations/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, float64(2), m["total"])
	assert.Equal(t, float64(2), m["byStatus"].(map[string]any)["FLAGGED"])
	assert.Equal(t, float64(0), m["byKind"].(map[string]any)["IMPOSSIBLE_TRAVEL"])
}

func TestHandler_ExportCSV(t *testing.T) {
	env := setupHandler(t, 1)
	seed(t, env.store, 2, nil)

	w := env.do(http.MethodGet, "/v1/violations/export.csv?kind=OUTSIDE_GEOFENCE", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "proxy-violations-")
	assert.True(t, strings.HasPrefix(w.Body.String(), strings.Join(CSVHeader, ",")))
	assert.Equal(t, 3, strings.Count(w.Body.String(), "\n"))
}
