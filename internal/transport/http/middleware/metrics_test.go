package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeteredRouter(t *testing.T, opts HTTPMetricsOptions) (*gin.Engine, *HTTPMetrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	metrics, err := NewHTTPMetrics(opts)
	require.NoError(t, err)

	router := gin.New()
	router.Use(metrics.Handler())
	router.POST("/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_CREDENTIALS"})
	})
	router.GET("/auth/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": "acc-1"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "")
	})
	return router, metrics
}

func serve(router *gin.Engine, method, path string) int {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w.Code
}

func TestHTTPMetricsRecordsIdentityRoutes(t *testing.T) {
	router, metrics := newMeteredRouter(t, HTTPMetricsOptions{})

	require.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/auth/login"))
	require.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/auth/login"))
	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/auth/me"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodPost, "/auth/login", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodGet, "/auth/me", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.duration), "one histogram per method and route")
}

func TestHTTPMetricsCollapsesUnmatchedRoutes(t *testing.T) {
	router, metrics := newMeteredRouter(t, HTTPMetricsOptions{})

	require.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/wp-login.php"))
	require.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/admin/config.php"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodGet, unmatchedRoute, "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.requests))
}

func TestHTTPMetricsSkipsScrapeRoute(t *testing.T) {
	router, metrics := newMeteredRouter(t, HTTPMetricsOptions{SkipRoutes: []string{"/metrics"}})

	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics"))

	assert.Equal(t, 0, testutil.CollectAndCount(metrics.requests))
}

func TestNewHTTPMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()

	first, err := NewHTTPMetrics(HTTPMetricsOptions{Registerer: registry})
	require.NoError(t, err)
	second, err := NewHTTPMetrics(HTTPMetricsOptions{Registerer: registry})
	require.NoError(t, err)

	assert.Same(t, first.requests, second.requests)
	assert.Same(t, first.rateLimited, second.rateLimited)
}

func TestHTTPMetricsNilIsNoop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var metrics *HTTPMetrics

	router := gin.New()
	router.Use(metrics.Handler())
	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/healthz"))
	assert.NotPanics(t, func() { metrics.RateLimited("auth_login_ip") })
}
