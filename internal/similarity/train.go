package similarity

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of similarity rows held at once by chunked precisions.
const DefaultChunkSize = 500

type options struct {
	neighbors   int
	chunkSize   int
	parallelism int
	logger      *zap.Logger
}

// Option configures Train.
type Option func(*options)

// WithNeighbors caps every neighbor list at k entries. k is clamped to
// DefaultNeighbors, the largest list a table may hold.
func WithNeighbors(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.neighbors = min(k, DefaultNeighbors)
		}
	}
}

// WithChunkSize sets the row chunk size used by Float16 and Int8.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithParallelism bounds the number of goroutines computing rows.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithLogger sets a logger for training progress.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// incidence is the sparse item × observation matrix of a training set. Only
// the ones are stored, once per axis.
type incidence struct {
	rows [][]int32  // item -> observations containing it
	cols [][]int32  // observation -> distinct items
	size []int32    // item -> number of observations containing it
}

// buildCatalog assigns dense indices to items in first-seen order and builds
// the incidence matrix. Repeated items inside one observation count once.
func buildCatalog[K comparable](observations [][]K) ([]K, map[K]int32, *incidence) {
	index := make(map[K]int32)
	var items []K
	inc := &incidence{cols: make([][]int32, len(observations))}
	for o, obs := range observations {
		col := make([]int32, 0, len(obs))
		for _, item := range obs {
			i, ok := index[item]
			if !ok {
				i = int32(len(items))
				index[item] = i
				items = append(items, item)
				inc.rows = append(inc.rows, nil)
			}
			if rows := inc.rows[i]; len(rows) > 0 && rows[len(rows)-1] == int32(o) {
				continue
			}
			inc.rows[i] = append(inc.rows[i], int32(o))
			col = append(col, i)
		}
		inc.cols[o] = col
	}
	inc.size = make([]int32, len(items))
	for i, row := range inc.rows {
		inc.size[i] = int32(len(row))
	}
	return items, index, inc
}

// rowComputer computes one similarity row at a time. It owns a dense
// co-occurrence accumulator and is not safe for concurrent use.
type rowComputer struct {
	inc       *incidence
	precision Precision
	counts    []int32
	touched   []int32
}

func newRowComputer(inc *incidence, p Precision) *rowComputer {
	return &rowComputer{inc: inc, precision: p, counts: make([]int32, len(inc.rows))}
}

// row returns the nonzero entries of similarity row i in catalog order,
// already encoded at the computer's precision.
func (rc *rowComputer) row(i int) []candidate {
	rc.touched = rc.touched[:0]
	for _, o := range rc.inc.rows[i] {
		for _, j := range rc.inc.cols[o] {
			if rc.counts[j] == 0 {
				rc.touched = append(rc.touched, j)
			}
			rc.counts[j]++
		}
	}
	slices.Sort(rc.touched)
	cands := make([]candidate, 0, len(rc.touched))
	ni := rc.inc.size[i]
	for _, j := range rc.touched {
		s := encode(rc.precision, rc.counts[j], ni, rc.inc.size[j])
		rc.counts[j] = 0
		if s == 0 {
			continue
		}
		cands = append(cands, candidate{j: j, score: s})
	}
	return cands
}

// Train builds a neighbor table from observations at precision p.
//
// Float64 and Float32 materialize the full sparse similarity matrix before
// reducing each row to its top neighbors. Float16 and Int8 compute and reduce
// the matrix in row chunks so at most parallelism × chunk size rows exist at
// any time.
func Train[K comparable](ctx context.Context, observations [][]K, p Precision, opts ...Option) (*Table[K], error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid precision %d", int(p))
	}
	o := options{
		neighbors:   DefaultNeighbors,
		chunkSize:   DefaultChunkSize,
		parallelism: runtime.GOMAXPROCS(0),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	items, index, inc := buildCatalog(observations)
	table := newTable(p, items, index, o.neighbors)
	if len(items) == 0 {
		return table, nil
	}

	var err error
	if p.chunked() {
		err = trainChunked(ctx, table, inc, o)
	} else {
		err = trainMaterialized(ctx, table, inc, o)
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info("neighbor table trained",
		zap.String("precision", p.String()),
		zap.Int("items", len(items)),
		zap.Int("observations", len(observations)),
		zap.Int64("size_bytes", table.SizeBytes()),
		zap.Duration("took", time.Since(start)),
	)
	return table, nil
}

func trainMaterialized[K comparable](ctx context.Context, table *Table[K], inc *incidence, o options) error {
	n := len(inc.rows)
	matrix := make([][]candidate, n)
	stride := (n + o.parallelism - 1) / o.parallelism

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += stride {
		lo, hi := lo, min(lo+stride, n)
		g.Go(func() error {
			rc := newRowComputer(inc, table.precision)
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				matrix[i] = rc.row(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, row := range matrix {
		table.setRow(i, selectTop(row, o.neighbors))
		matrix[i] = nil
	}
	return nil
}

func trainChunked[K comparable](ctx context.Context, table *Table[K], inc *incidence, o options) error {
	n := len(inc.rows)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for lo := 0; lo < n; lo += o.chunkSize {
		lo, hi := lo, min(lo+o.chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rc := newRowComputer(inc, table.precision)
			chunk := make([][]candidate, hi-lo)
			for i := lo; i < hi; i++ {
				chunk[i-lo] = rc.row(i)
			}
			for i, row := range chunk {
				table.setRow(lo+i, selectTop(row, o.neighbors))
			}
			o.logger.Debug("similarity chunk done", zap.Int("from", lo), zap.Int("to", hi))
			return nil
		})
	}
	return g.Wait()
}
