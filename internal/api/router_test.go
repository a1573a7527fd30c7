package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/apk-analysis/apk-security-analyzer/internal/config"
	"github.com/apk-analysis/apk-security-analyzer/internal/middleware"
)

func newRouterForTest(t *testing.T, token string) (http.Handler, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Mode = "debug"
	cfg.Server.APIToken = token
	cfg.Server.AllowedOrigin = "https://console.example.com"

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	metrics := middleware.NewPrometheusMetrics(logger, namespace)
	return SetupRouter(cfg, logger, Deps{Metrics: metrics}), namespace
}

// TestRouter_Health 测试健康检查无需认证
func TestRouter_Health(t *testing.T) {
	r, _ := newRouterForTest(t, "secret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), Version)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

// TestRouter_RequiresToken 测试受保护接口
func TestRouter_RequiresToken(t *testing.T) {
	r, _ := newRouterForTest(t, "secret")

	for _, path := range []string{"/api/techniques", "/api/analyses", "/api/summary/abc"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/techniques", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRouter_Preflight 测试 CORS 预检
func TestRouter_Preflight(t *testing.T) {
	r, _ := newRouterForTest(t, "secret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/upload", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

// TestRouter_Metrics 测试指标端点
func TestRouter_Metrics(t *testing.T) {
	r, namespace := newRouterForTest(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), namespace+"_http_requests_total")
}
