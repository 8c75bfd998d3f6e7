package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), tt.code)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMetricsEndpoint(t *testing.T) {
	body := scrape(t)
	// Gauges are exported before the first observation.
	assert.Contains(t, body, "attendguard_active_websocket_clients")
	assert.Contains(t, body, "attendguard_dispatch_queue_depth")

	ViolationsTotal.WithLabelValues("GEOFENCE_VIOLATION").Inc()
	assert.Contains(t, scrape(t), `attendguard_violations_total{kind="GEOFENCE_VIOLATION"}`)
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	m := &dto.Metric{}
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/probe", "2xx").Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}
