package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/metrics"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/storage"
	"go.uber.org/zap"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Submitter runs a task on a worker. *dispatch.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload []byte) ([]byte, error)
}

// Recommender answers recommendation requests from the serving process.
type Recommender struct {
	pool   Submitter
	lookup storage.CourseLookup
	logger *zap.Logger
}

// NewRecommender returns a Recommender that infers on pool and enriches
// through lookup.
func NewRecommender(pool Submitter, lookup storage.CourseLookup, logger *zap.Logger) *Recommender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recommender{pool: pool, lookup: lookup, logger: logger.Named("recommender")}
}

// Recommend ranks courses on a worker, drops already selected courses and
// those without a display name, and returns at most
// models.MaxRecommendations descriptors scoped to the request's semester.
func (r *Recommender) Recommend(ctx context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	v, err := recommend.ParseVariant(req.Variant)
	if err != nil {
		return nil, err
	}
	req.Variant = v.String()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out, err := r.pool.Submit(ctx, TaskInfer, payload)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	var items []models.Item
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, fmt.Errorf("decode infer result: %w", err)
	}
	inferred := time.Since(start)

	resp := &models.RecommendationResponse{
		Course:  make([]models.CourseDetail, 0, models.MaxRecommendations),
		Variant: req.Variant,
	}
	for _, it := range items {
		if len(resp.Course) == models.MaxRecommendations {
			break
		}
		if req.IsSelected(it.Course) {
			continue
		}
		key := models.CourseKey{CourseNo: it.Course, SemesterKey: req.SemesterKey}
		abbr, found, err := r.lookup.GetCourseAbbr(ctx, key)
		switch {
		case err != nil:
			r.logger.Warn("course lookup failed", zap.String("course", it.Course), zap.Error(err))
			metrics.RecordEnrichmentDrop("error")
			continue
		case !found || abbr == "":
			metrics.RecordEnrichmentDrop("not_found")
			continue
		}
		resp.Course = append(resp.Course, models.CourseDetail{Key: key, CourseNameEn: abbr})
	}

	took := time.Since(start)
	resp.QueryTime = took.Milliseconds()
	r.logger.Info("recommend",
		zap.String("program", req.SemesterKey.StudyProgram),
		zap.String("variant", req.Variant),
		zap.Int("selected", len(req.SelectedCourse)),
		zap.Int("candidates", len(items)),
		zap.Int("results", len(resp.Course)),
		zap.Duration("infer", inferred),
		zap.Duration("took", took),
	)
	return resp, nil
}

// Warm asks a worker to populate the shared model and reports what it holds.
func (r *Recommender) Warm(ctx context.Context) (*ModelInfo, error) {
	out, err := r.pool.Submit(ctx, TaskPopulate, nil)
	if err != nil {
		return nil, fmt.Errorf("populate: %w", err)
	}
	var info ModelInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("decode model info: %w", err)
	}
	r.logger.Info("model warm",
		zap.Int("catalog", info.Catalog),
		zap.Int("observations", info.Observations),
		zap.Strings("variants", info.Variants),
	)
	return &info, nil
}
