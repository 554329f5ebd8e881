package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/dispatch"
	"github.com/hyperjump/cgrcompute/internal/metrics"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/service"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/hyperjump/cgrcompute/internal/storage"
	"go.uber.org/zap"
)

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req models.RecommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordRecommend("http", "invalid", time.Since(start))
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.rec.Recommend(r.Context(), &req)
	if err != nil {
		code := httpStatus(err)
		metrics.RecordRecommend("http", outcome(err), time.Since(start))
		if code >= http.StatusInternalServerError {
			s.logger.Error("recommend failed", zap.Error(err))
		}
		s.respondError(w, code, err.Error())
		return
	}
	metrics.RecordRecommend("http", "ok", time.Since(start))
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context(), s.config.Pool.HealthTimeout)
	defer cancel()
	if !s.pool.HealthCheck(ctx) {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_SERVING"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context(), s.config.Pool.HealthTimeout)
	defer cancel()
	resp := map[string]interface{}{
		"serving": s.pool.HealthCheck(ctx),
		"workers": s.pool.Pids(),
	}

	configInfo := map[string]interface{}{
		"pool_size":   s.config.Pool.Size,
		"source_kind": s.config.Source.Kind,
		"variants":    s.config.Model.Variants,
		"max_records": s.config.Model.MaxRecords,
		"cache_path":  s.config.Cache.Path,
	}
	usage, total, err := storage.DiskUsage(
		s.config.Cache.Path,
		s.config.Lookup.DatabasePath,
		s.config.Source.SQL.DatabasePath,
		s.config.Source.LogIndex.Path,
	)
	if err == nil {
		resp["disk_usage_bytes"] = total
		resp["disk_usage"] = usage
	} else {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	if s.courses != nil {
		if n, err := s.courses.CountCourses(ctx); err == nil {
			resp["courses"] = n
		} else {
			s.logger.Warn("status: course count failed", zap.Error(err))
		}
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, recommend.ErrUnknownVariant):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrPoolBroken), errors.Is(err, dispatch.ErrPoolClosed),
		errors.Is(err, source.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// outcome labels a failed call for metrics.
func outcome(err error) string {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "error"
	}
}
