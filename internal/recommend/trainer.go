package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/cgrcompute/internal/cache"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/similarity"
	"github.com/hyperjump/cgrcompute/internal/source"
	"go.uber.org/zap"
)

// ModelKey is the cache key of the shared recommendation model.
const ModelKey = "recommend_course_model"

// TrainerConfig controls what Populate reads and which variants it trains.
type TrainerConfig struct {
	// Variants to train. Random needs no table and is always available.
	Variants      []Variant
	MaxRecords    int
	PageSize      int
	Neighbors     int
	ChunkSize     int
	MinBasketSize int
}

// Trainer builds models from a record source.
type Trainer struct {
	src    source.RecordSource
	cfg    TrainerConfig
	logger *zap.Logger
}

// NewTrainer returns a Trainer reading from src.
func NewTrainer(src source.RecordSource, cfg TrainerConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = source.DefaultWindow
	}
	if cfg.MinBasketSize <= 0 {
		cfg.MinBasketSize = DefaultMinBasketSize
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = []Variant{Cosine}
	}
	return &Trainer{src: src, cfg: cfg, logger: logger.Named("trainer")}
}

// Populate downloads observations and trains every configured variant.
func (t *Trainer) Populate(ctx context.Context) (*Model, error) {
	start := time.Now()
	t.logger.Info("downloading observations", zap.Int("max_records", t.cfg.MaxRecords))
	scroll := source.NewScroll(t.src, t.cfg.PageSize, t.cfg.MaxRecords)
	observations, total, err := GroupObservations(scroll.All(ctx), t.cfg.MinBasketSize)
	if err != nil {
		return nil, fmt.Errorf("download observations: %w", err)
	}
	t.logger.Info("observations retrieved",
		zap.Int("records", total),
		zap.Int("fetched", scroll.Fetched()),
		zap.String("cursor", scroll.Cursor()),
		zap.Int("qualified", len(observations)),
		zap.Duration("took", time.Since(start)),
	)
	return t.Train(ctx, observations)
}

// Train builds a model from already grouped observations.
func (t *Trainer) Train(ctx context.Context, observations []models.Observation) (*Model, error) {
	baskets := make([][]models.Item, len(observations))
	for i, o := range observations {
		baskets[i] = o.Items
	}

	opts := []similarity.Option{similarity.WithLogger(t.logger)}
	if t.cfg.Neighbors > 0 {
		opts = append(opts, similarity.WithNeighbors(t.cfg.Neighbors))
	}
	if t.cfg.ChunkSize > 0 {
		opts = append(opts, similarity.WithChunkSize(t.cfg.ChunkSize))
	}

	tables := make(map[Variant]*similarity.Table[models.Item])
	var catalog []models.Item
	for _, v := range t.cfg.Variants {
		p, ok := v.Precision()
		if !ok {
			continue
		}
		table, err := similarity.Train(ctx, baskets, p, opts...)
		if err != nil {
			return nil, fmt.Errorf("train %s: %w", v, err)
		}
		tables[v] = table
		if catalog == nil {
			catalog = table.Items()
		}
	}
	if catalog == nil {
		catalog = catalogOf(baskets)
	}

	m := NewModel(catalog, tables)
	m.observations = len(observations)
	t.logger.Info("model trained",
		zap.Int("catalog", len(catalog)),
		zap.Int("observations", len(observations)),
		zap.Int("variants", len(tables)),
	)
	return m, nil
}

// catalogOf lists distinct items in first-seen order.
func catalogOf(baskets [][]models.Item) []models.Item {
	seen := make(map[models.Item]struct{})
	var out []models.Item
	for _, b := range baskets {
		for _, it := range b {
			if _, ok := seen[it]; !ok {
				seen[it] = struct{}{}
				out = append(out, it)
			}
		}
	}
	return out
}

// NewModelCodec returns the codec used to share models through the cache.
func NewModelCodec() (cache.Codec[*Model], error) {
	return cache.NewJSONCodec[*Model]()
}
