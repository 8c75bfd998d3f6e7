package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/proxy"
)

type fakePipeline struct{}

func (fakePipeline) Running() bool  { return true }
func (fakePipeline) Pending() int   { return 3 }
func (fakePipeline) Dropped() int64 { return 7 }

type fakePruner struct {
	n   int64
	err error
}

func (p *fakePruner) Running() bool { return true }
func (p *fakePruner) Sweep(context.Context) (int64, error) {
	return p.n, p.err
}

type fakeTraining struct {
	since time.Time
	limit int
}

func (f *fakeTraining) LabeledExamples(_ context.Context, since time.Time, limit int, _ *time.Location) ([]proxy.LabeledExample, error) {
	f.since, f.limit = since, limit
	return []proxy.LabeledExample{{ViolationID: "v1", Kind: proxy.KindSharedDevice, Label: 1}}, nil
}

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h.now = func() time.Time { return now }
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestPipelineStatus(t *testing.T) {
	r := newRouter(NewHandler().WithPipeline(fakePipeline{}).WithPruner(&fakePruner{}))

	w := serve(r, http.MethodGet, "/v1/admin/pipeline")
	require.Equal(t, http.StatusOK, w.Code)
	var st PipelineStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.DispatcherRunning)
	assert.True(t, st.JanitorRunning)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, int64(7), st.Dropped)
}

func TestPruneSightings(t *testing.T) {
	w := serve(newRouter(NewHandler().WithPruner(&fakePruner{n: 12})), http.MethodPost, "/v1/admin/sightings/prune")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"prunedCount":12}`, w.Body.String())

	w = serve(newRouter(NewHandler().WithPruner(&fakePruner{err: errors.New("db down")})), http.MethodPost, "/v1/admin/sightings/prune")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestExportTraining(t *testing.T) {
	src := &fakeTraining{}
	r := newRouter(NewHandler().WithTrainingExporter(src, time.UTC))

	w := serve(r, http.MethodGet, "/v1/admin/training/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.AddDate(0, 0, -90), src.since)
	assert.Equal(t, 500, src.limit)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = serve(r, http.MethodGet, "/v1/admin/training/export?since=2026-01-01T00:00:00Z&limit=20")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), src.since)
	assert.Equal(t, 20, src.limit)

	w = serve(r, http.MethodGet, "/v1/admin/training/export?since=last-week")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotConfigured(t *testing.T) {
	r := newRouter(NewHandler())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/admin/pipeline"},
		{http.MethodPost, "/v1/admin/sightings/prune"},
		{http.MethodGet, "/v1/admin/training/export"},
	} {
		assert.Equal(t, http.StatusServiceUnavailable, serve(r, tc.method, tc.path).Code, tc.path)
	}
}
