package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/plan"
	"github.com/danmuck/convergectl/internal/topology"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxTopologyBytes bounds a submitted topology document.
const maxTopologyBytes = 4 << 20

func (s *Service) registerRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "convergectl",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/", s.handleGetExpected)
	api.POST("/", s.handleSubmit)
	api.GET("/strategy", s.handleStrategy)
	api.GET("/plan", s.handlePlan)
	api.GET("/reset", s.handleReset)
	api.POST("/reset", s.handleReset)
	api.POST("/reconcile", s.handleReconcile)
	api.GET("/history", s.handleHistory)
}

func (s *Service) handleGetExpected(c *gin.Context) {
	expected := s.reconciler.Expected()
	if expected == nil {
		expected = &topology.DesiredTopology{
			Services:  map[string]topology.ServiceSpec{},
			Relations: []topology.RelationExpr{},
		}
	}
	c.JSON(http.StatusOK, expected)
}

func (s *Service) handleSubmit(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTopologyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desired, err := topology.DecodeDesired(raw, topology.FormatFor(c.ContentType()))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reconciler.Submit(desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"services":  len(desired.Services),
		"scheduled": s.TriggerReconcile(),
	})
}

func (s *Service) handleStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, s.reconciler.CurrentSteps())
}

func (s *Service) handlePlan(c *gin.Context) {
	report, ok := s.reconciler.CurrentPlan()
	if !ok {
		body := gin.H{"active": false}
		if last := s.reconciler.History(1); len(last) == 1 {
			body["last"] = last[0]
			c.Set(observability.PlanIDKey, last[0].ID)
		}
		c.JSON(http.StatusOK, body)
		return
	}
	c.Set(observability.PlanIDKey, report.ID)
	c.JSON(http.StatusOK, gin.H{"active": true, "plan": report})
}

func (s *Service) handleReset(c *gin.Context) {
	s.reconciler.Reset(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Service) handleReconcile(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"scheduled": s.TriggerReconcile()})
}

func (s *Service) handleHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	reports, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if reports == nil {
		reports = []plan.PlanReport{}
	}
	c.JSON(http.StatusOK, gin.H{"plans": reports})
}

func (s *Service) submitFromWatch(ctx context.Context, desired *topology.DesiredTopology) error {
	if err := s.reconciler.Submit(desired); err != nil {
		return err
	}
	s.TriggerReconcile()
	return nil
}
