package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSetupServiceRouterHealthEndpoint(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc2", "v1")
	mc := monitoring.NewMetricsCollector("svc2", "v1", "abc")
	r := SetupServiceRouter(logger, "svc2", hc, mc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from health endpoint, got %d", w.Code)
	}
}
