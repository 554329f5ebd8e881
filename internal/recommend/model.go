package recommend

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/similarity"
)

// MaxResults caps the number of items returned by Infer and RandomInfer.
const MaxResults = similarity.DefaultNeighbors

// Model is a trained recommendation model. It is immutable and safe for
// concurrent use.
type Model struct {
	catalog      []models.Item
	tables       map[Variant]*similarity.Table[models.Item]
	observations int
	trainedAt    time.Time
}

// NewModel assembles a model from a catalog and the tables trained for each
// similarity variant.
func NewModel(catalog []models.Item, tables map[Variant]*similarity.Table[models.Item]) *Model {
	if tables == nil {
		tables = make(map[Variant]*similarity.Table[models.Item])
	}
	return &Model{catalog: catalog, tables: tables, trainedAt: time.Now().UTC()}
}

// Len returns the catalog size.
func (m *Model) Len() int { return len(m.catalog) }

// Observations returns the number of observations the model was trained on.
func (m *Model) Observations() int { return m.observations }

// TrainedAt returns when the model was built.
func (m *Model) TrainedAt() time.Time { return m.trainedAt }

// Variants lists the variants the model can answer, Random first.
func (m *Model) Variants() []Variant {
	out := []Variant{Random}
	for v := range m.tables {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Infer returns catalog items ranked for the selection, best first, at most
// MaxResults. Unknown selected items are ignored.
func (m *Model) Infer(selected []models.Item, v Variant) ([]models.Item, error) {
	if v == Random {
		return m.RandomInfer(), nil
	}
	table, ok := m.tables[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not trained", ErrUnknownVariant, v)
	}
	ranked := table.Infer(selected)
	out := make([]models.Item, 0, min(len(ranked), MaxResults))
	for _, n := range ranked {
		if len(out) == MaxResults {
			break
		}
		out = append(out, n.Item)
	}
	return out, nil
}

// RandomInfer returns min(Len, MaxResults) distinct catalog items drawn
// uniformly without replacement.
func (m *Model) RandomInfer() []models.Item {
	n := len(m.catalog)
	k := min(n, MaxResults)
	// Partial Fisher-Yates over an index permutation; the catalog stays untouched.
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	out := make([]models.Item, k)
	for i := 0; i < k; i++ {
		j := i + rand.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = m.catalog[idx[i]]
	}
	return out
}

// Recommend ranks items for req and drops courses whose number is already
// selected.
func (m *Model) Recommend(req *models.RecommendationRequest) ([]models.Item, error) {
	v, err := ParseVariant(req.Variant)
	if err != nil {
		return nil, err
	}
	items, err := m.Infer(req.SelectedItems(), v)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if !req.IsSelected(it.Course) {
			out = append(out, it)
		}
	}
	return out, nil
}

type modelJSON struct {
	Catalog      []models.Item                             `json:"catalog"`
	Tables       map[string]*similarity.Table[models.Item] `json:"tables"`
	Observations int                                       `json:"observations"`
	TrainedAt    time.Time                                 `json:"trained_at"`
}

// MarshalJSON implements json.Marshaler.
func (m *Model) MarshalJSON() ([]byte, error) {
	tables := make(map[string]*similarity.Table[models.Item], len(m.tables))
	for v, t := range m.tables {
		tables[v.String()] = t
	}
	return json.Marshal(modelJSON{
		Catalog:      m.catalog,
		Tables:       tables,
		Observations: m.observations,
		TrainedAt:    m.trainedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Model) UnmarshalJSON(data []byte) error {
	var raw modelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tables := make(map[Variant]*similarity.Table[models.Item], len(raw.Tables))
	for name, t := range raw.Tables {
		v, err := ParseVariant(name)
		if err != nil {
			return err
		}
		p, ok := v.Precision()
		if !ok || t == nil || t.Precision() != p {
			return fmt.Errorf("table %s does not hold a %s similarity table", name, v)
		}
		tables[v] = t
	}
	*m = Model{
		catalog:      raw.Catalog,
		tables:       tables,
		observations: raw.Observations,
		trainedAt:    raw.TrainedAt,
	}
	return nil
}
