package similarity

import (
	"fmt"

	"github.com/x448/float16"
)

// DefaultNeighbors caps the neighbor list of every item and the length of an
// Infer result.
const DefaultNeighbors = 300

// Neighbor is a scored item.
type Neighbor[K comparable] struct {
	Item  K       `json:"item"`
	Score float64 `json:"score"`
}

// Table maps each catalog item to its highest-scoring neighbors. Scores are
// stored in exactly one of the per-precision slices; the others stay nil.
// A Table is immutable once built and safe for concurrent reads.
type Table[K comparable] struct {
	precision Precision
	limit     int
	items     []K
	index     map[K]int32
	neighbors [][]int32

	f64 [][]float64
	f32 [][]float32
	f16 [][]float16.Float16
	q8  [][]uint8
}

func newTable[K comparable](p Precision, items []K, index map[K]int32, limit int) *Table[K] {
	t := &Table[K]{
		precision: p,
		limit:     limit,
		items:     items,
		index:     index,
		neighbors: make([][]int32, len(items)),
	}
	switch p {
	case Float64:
		t.f64 = make([][]float64, len(items))
	case Float32:
		t.f32 = make([][]float32, len(items))
	case Float16:
		t.f16 = make([][]float16.Float16, len(items))
	case Int8:
		t.q8 = make([][]uint8, len(items))
	}
	return t
}

// setRow stores the already ranked candidates of row i. Each row is written
// by exactly one goroutine.
func (t *Table[K]) setRow(i int, ranked []candidate) {
	ids := make([]int32, len(ranked))
	for n, c := range ranked {
		ids[n] = c.j
	}
	t.neighbors[i] = ids
	switch t.precision {
	case Float64:
		row := make([]float64, len(ranked))
		for n, c := range ranked {
			row[n] = c.score
		}
		t.f64[i] = row
	case Float32:
		row := make([]float32, len(ranked))
		for n, c := range ranked {
			row[n] = float32(c.score)
		}
		t.f32[i] = row
	case Float16:
		row := make([]float16.Float16, len(ranked))
		for n, c := range ranked {
			row[n] = float16.Fromfloat32(float32(c.score))
		}
		t.f16[i] = row
	case Int8:
		row := make([]uint8, len(ranked))
		for n, c := range ranked {
			row[n] = uint8(c.score)
		}
		t.q8[i] = row
	}
}

// score returns the n-th neighbor score of row i as float64.
func (t *Table[K]) score(i int32, n int) float64 {
	switch t.precision {
	case Float32:
		return float64(t.f32[i][n])
	case Float16:
		return float64(t.f16[i][n].Float32())
	case Int8:
		return float64(t.q8[i][n])
	default:
		return t.f64[i][n]
	}
}

// Precision returns the score encoding of the table.
func (t *Table[K]) Precision() Precision {
	return t.precision
}

// Len returns the number of items in the catalog.
func (t *Table[K]) Len() int {
	return len(t.items)
}

// Items returns a copy of the catalog in index order.
func (t *Table[K]) Items() []K {
	out := make([]K, len(t.items))
	copy(out, t.items)
	return out
}

// Neighbors returns the neighbor list of item, highest score first.
// ok is false when item is not in the catalog.
func (t *Table[K]) Neighbors(item K) (neighbors []Neighbor[K], ok bool) {
	i, ok := t.index[item]
	if !ok {
		return nil, false
	}
	row := t.neighbors[i]
	out := make([]Neighbor[K], len(row))
	for n, j := range row {
		out[n] = Neighbor[K]{Item: t.items[j], Score: t.score(i, n)}
	}
	return out, true
}

// Similarity returns the stored score of b in a's neighbor list.
// ok is false when a is unknown or b is not among a's neighbors.
func (t *Table[K]) Similarity(a, b K) (float64, bool) {
	i, ok := t.index[a]
	if !ok {
		return 0, false
	}
	j, ok := t.index[b]
	if !ok {
		return 0, false
	}
	for n, id := range t.neighbors[i] {
		if id == j {
			return t.score(i, n), true
		}
	}
	return 0, false
}

// Infer sums the neighbor scores of every selected item and returns the
// highest-scoring candidates, highest first, capped at the table's neighbor
// limit. Items missing from the catalog contribute nothing.
func (t *Table[K]) Infer(selected []K) []Neighbor[K] {
	acc := make(map[int32]float64)
	var order []int32
	for _, item := range selected {
		i, ok := t.index[item]
		if !ok {
			continue
		}
		for n, j := range t.neighbors[i] {
			if _, seen := acc[j]; !seen {
				order = append(order, j)
			}
			acc[j] += t.score(i, n)
		}
	}
	if len(order) == 0 {
		return nil
	}
	cands := make([]candidate, len(order))
	for n, j := range order {
		cands[n] = candidate{j: j, score: acc[j]}
	}
	ranked := selectTop(cands, t.limit)
	out := make([]Neighbor[K], len(ranked))
	for n, c := range ranked {
		out[n] = Neighbor[K]{Item: t.items[c.j], Score: c.score}
	}
	return out
}

// SizeBytes estimates the memory held by neighbor ids and scores.
func (t *Table[K]) SizeBytes() int64 {
	var entries int64
	for _, row := range t.neighbors {
		entries += int64(len(row))
	}
	return entries * int64(4+t.precision.bytesPerScore())
}

// validate checks the structural invariants of a decoded table.
func (t *Table[K]) validate() error {
	if !t.precision.valid() {
		return fmt.Errorf("invalid precision %d", int(t.precision))
	}
	if len(t.neighbors) != len(t.items) {
		return fmt.Errorf("neighbor rows %d do not match catalog size %d", len(t.neighbors), len(t.items))
	}
	for i, row := range t.neighbors {
		if t.limit > 0 && len(row) > t.limit {
			return fmt.Errorf("row %d has %d neighbors, limit is %d", i, len(row), t.limit)
		}
		if n := t.rowScores(i); n != len(row) {
			return fmt.Errorf("row %d has %d ids but %d scores", i, len(row), n)
		}
		for _, j := range row {
			if j < 0 || int(j) >= len(t.items) {
				return fmt.Errorf("row %d references item %d outside catalog", i, j)
			}
		}
	}
	return nil
}

func (t *Table[K]) rowScores(i int) int {
	switch t.precision {
	case Float64:
		if i < len(t.f64) {
			return len(t.f64[i])
		}
	case Float32:
		if i < len(t.f32) {
			return len(t.f32[i])
		}
	case Float16:
		if i < len(t.f16) {
			return len(t.f16[i])
		}
	case Int8:
		if i < len(t.q8) {
			return len(t.q8[i])
		}
	}
	return -1
}
