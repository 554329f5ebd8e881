// Package service wires the recommendation model to the worker pool: Tasks
// runs inside worker processes, Recommender runs in the serving process.
package service

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/cache"
	"github.com/hyperjump/cgrcompute/internal/dispatch"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/source"
	"go.uber.org/zap"
)

// Task kinds understood by workers. Ping is answered by the dispatcher itself.
const (
	TaskPing     = dispatch.PingTask
	TaskPopulate = "populate"
	TaskInfer    = "infer"
)

// TaskErrors is shared by workers and the pool so errors keep their identity
// across the process boundary.
var TaskErrors = dispatch.ErrorCodes{
	"unknown_variant": recommend.ErrUnknownVariant,
	"unavailable":     source.ErrUnavailable,
	"not_found":       cache.ErrNotFound,
}

// ModelCache is the part of cache.Cache the tasks need.
type ModelCache interface {
	GetOrCreate(ctx context.Context, key string, init func(ctx context.Context) (*recommend.Model, error)) (*recommend.Model, error)
}

// Populator builds a fresh model.
type Populator interface {
	Populate(ctx context.Context) (*recommend.Model, error)
}

// ModelInfo summarizes the shared model after a populate task.
type ModelInfo struct {
	Catalog      int       `json:"catalog"`
	Observations int       `json:"observations"`
	Variants     []string  `json:"variants"`
	TrainedAt    time.Time `json:"trained_at"`
}

// Tasks holds the worker-side state: the process-local view of the shared
// model cache and the trainer used on a miss.
type Tasks struct {
	Cache   ModelCache
	Trainer Populator
	Logger  *zap.Logger
}

// Handlers returns the task handlers for dispatch.Worker.
func (t *Tasks) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		TaskPopulate: t.populate,
		TaskInfer:    t.infer,
	}
}

func (t *Tasks) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t *Tasks) model(ctx context.Context) (*recommend.Model, error) {
	return t.Cache.GetOrCreate(ctx, recommend.ModelKey, t.Trainer.Populate)
}

func (t *Tasks) populate(ctx context.Context, _ []byte) ([]byte, error) {
	m, err := t.model(ctx)
	if err != nil {
		return nil, err
	}
	info := ModelInfo{
		Catalog:      m.Len(),
		Observations: m.Observations(),
		TrainedAt:    m.TrainedAt(),
	}
	for _, v := range m.Variants() {
		info.Variants = append(info.Variants, v.String())
	}
	return json.Marshal(info)
}

func (t *Tasks) infer(ctx context.Context, payload []byte) ([]byte, error) {
	var req models.RecommendationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	m, err := t.model(ctx)
	if err != nil {
		return nil, err
	}
	items, err := m.Recommend(&req)
	if err != nil {
		return nil, err
	}
	t.logger().Debug("inferred",
		zap.String("variant", req.Variant),
		zap.Int("selected", len(req.SelectedCourse)),
		zap.Int("results", len(items)),
	)
	return json.Marshal(items)
}
