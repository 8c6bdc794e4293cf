package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	before := testutil.ToFloat64(stepTotal.WithLabelValues("CreateService", "COMPLETE"))
	RecordStep("CreateService", "COMPLETE", 40*time.Millisecond)
	after := testutil.ToFloat64(stepTotal.WithLabelValues("CreateService", "COMPLETE"))
	if after != before+1 {
		t.Fatalf("expected step counter increment, before=%v after=%v", before, after)
	}
	RecordPlan("COMPLETE")
	RecordReconcilePass(PassOutcomeConverged)

	logging.Debugf("observability.metrics registration idempotent and recording paths executed")
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestLogger(*logging.Logger()), RequestMetricsMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusTeapot, "pong") })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping", "418"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping", "418")); got != before+1 {
		t.Fatalf("expected request counter increment, got %v", got)
	}
}

func TestMiddlewareCollapsesUnmatchedRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestMetricsMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", UnmatchedRoute, "404"))
	for _, path := range []string{"/nope", "/missing/route", "/x/y/z"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", UnmatchedRoute, "404")); got != before+3 {
		t.Fatalf("expected 3 unmatched requests, got %v", got-before)
	}
}

func TestRequestIDPropagatesOrAssigns(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(RequestID(), RequestLogger(*logging.Logger()))
	router.GET("/plan", func(c *gin.Context) {
		seen = c.GetString(RequestIDKey)
		c.Set(PlanIDKey, "plan-1")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/plan", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("inbound request id not propagated: seen=%q header=%q", seen, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plan", nil))
	if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
		t.Fatalf("expected generated uuid request id, got %q", rec.Header().Get(RequestIDHeader))
	}
}
