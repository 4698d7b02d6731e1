package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/health"
	"github.com/sentinelroad/backend/internal/incidents"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/sampler"
	"github.com/sentinelroad/backend/internal/validation"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	maxIncidentBatch    = 1000
)

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "SentinelRoad",
		"description": "Road condition risk scoring and incident clustering",
		"version":     "0.1.0",
		"region": gin.H{
			"min_lat": s.cfg.Region.MinLat,
			"min_lon": s.cfg.Region.MinLon,
			"max_lat": s.cfg.Region.MaxLat,
			"max_lon": s.cfg.Region.MaxLon,
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Risk scoring
// -----------------------------------------------------------------------------

// calculateRequest bounds one pass. All fields are optional; the monitored
// region and configured sample point cap apply by default.
type calculateRequest struct {
	MinLat    *float64 `json:"min_lat"`
	MinLon    *float64 `json:"min_lon"`
	MaxLat    *float64 `json:"max_lat"`
	MaxLon    *float64 `json:"max_lon"`
	MaxPoints int      `json:"max_points"`
}

func (s *Server) regionBBox() geo.BBox {
	return geo.BBox{
		MinLat: s.cfg.Region.MinLat, MinLon: s.cfg.Region.MinLon,
		MaxLat: s.cfg.Region.MaxLat, MaxLon: s.cfg.Region.MaxLon,
	}
}

// calculateHandler handles POST /api/v1/risk/calculate
func (s *Server) calculateHandler(c *gin.Context) {
	var req calculateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	bbox := s.regionBBox()
	if req.MinLat != nil || req.MinLon != nil || req.MaxLat != nil || req.MaxLon != nil {
		if req.MinLat == nil || req.MinLon == nil || req.MaxLat == nil || req.MaxLon == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_bbox",
				"message": "all four bbox bounds must be provided together",
			})
			return
		}
		bbox = geo.BBox{MinLat: *req.MinLat, MinLon: *req.MinLon, MaxLat: *req.MaxLat, MaxLon: *req.MaxLon}
	}

	maxPoints := s.cfg.MaxSamplePoints
	if req.MaxPoints > 0 {
		maxPoints = req.MaxPoints
	}

	if errs := validation.Validate(validation.ValidBBox(bbox)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	// One pass at a time; concurrent triggers would stampede the providers
	if !s.passActive.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "pass_in_progress",
			"message": "A calculation pass is already running",
		})
		return
	}
	defer s.passActive.Store(false)

	result, err := s.calculator.Calculate(c.Request.Context(), bbox, maxPoints)
	if err != nil {
		if errors.Is(err, sampler.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_bbox",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("calculation pass failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "calculation_failed",
			"message": err.Error(),
		})
		return
	}

	s.realtimeHub.BroadcastPassDone(result)

	c.JSON(http.StatusOK, result)
}

// latestPassHandler handles GET /api/v1/risk/latest
func (s *Server) latestPassHandler(c *gin.Context) {
	records, err := s.history.LatestPass(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("latest pass query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load latest pass",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// locationHistoryHandler handles GET /api/v1/risk/history/:lat/:lon
func (s *Server) locationHistoryHandler(c *gin.Context) {
	// Params already validated by CoordParamMiddleware
	lat, _ := strconv.ParseFloat(c.Param("lat"), 64)
	lon, _ := strconv.ParseFloat(c.Param("lon"), 64)

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if errs := validation.Validate(validation.PositiveInt("limit", raw, maxHistoryLimit)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
			return
		}
		limit, _ = strconv.Atoi(raw)
	}

	pt := geo.Point{Lat: lat, Lon: lon}
	records, err := s.history.LocationHistory(c.Request.Context(), pt, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("location history query failed",
			"location", pt.Key(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load location history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"location": pt,
		"records":  records,
		"count":    len(records),
	})
}

// -----------------------------------------------------------------------------
// Incidents
// -----------------------------------------------------------------------------

type ingestRequest struct {
	Incidents []incidents.Incident `json:"incidents"`
}

// ingestIncidentsHandler handles POST /api/v1/incidents
func (s *Server) ingestIncidentsHandler(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain an incidents array",
		})
		return
	}
	if len(req.Incidents) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "empty_batch",
			"message": "incidents array must not be empty",
		})
		return
	}
	if len(req.Incidents) > maxIncidentBatch {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "batch_too_large",
			"message": "at most " + strconv.Itoa(maxIncidentBatch) + " incidents per batch",
		})
		return
	}

	result, err := s.normalizer.Process(c.Request.Context(), req.Incidents)
	if err != nil {
		logging.L(c.Request.Context()).Error("incident intake failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store incidents",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// listIncidentsHandler handles GET /api/v1/incidents
func (s *Server) listIncidentsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if errs := validation.Validate(validation.PositiveInt("limit", raw, maxIncidentBatch)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
			return
		}
		limit, _ = strconv.Atoi(raw)
	}

	category := c.Query("category")
	if category != "" {
		if errs := validation.Validate(validation.OneOf("category", category,
			incidents.CategoryAccidents, incidents.CategoryRoadWorks, incidents.CategoryClosures,
			incidents.CategoryWeather, incidents.CategoryProtests, incidents.CategoryOther,
		)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
			return
		}
	}

	all, err := s.incidentStore.List(ctx)
	if err != nil {
		logging.L(ctx).Error("incident list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load incidents",
		})
		return
	}

	filtered := all
	if category != "" {
		filtered = make([]incidents.Incident, 0, len(all))
		for _, in := range all {
			if in.Category == category {
				filtered = append(filtered, in)
			}
		}
	}
	// Newest last in store order; a limit keeps the most recent records
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": filtered,
		"count":     len(filtered),
	})
}

// analyzeHandler handles POST /api/v1/incidents/analyze
func (s *Server) analyzeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	set, err := s.incidentStore.List(ctx)
	if err != nil {
		logging.L(ctx).Error("incident list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load incidents",
		})
		return
	}

	analysis := s.analyzer.Analyze(ctx, set)
	s.realtimeHub.BroadcastAnalysis(analysis)

	c.JSON(http.StatusOK, analysis)
}
