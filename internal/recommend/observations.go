package recommend

import (
	"iter"

	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/source"
)

// DefaultMinBasketSize is the basket size an observation must exceed to be kept.
const DefaultMinBasketSize = 4

// GroupObservations groups records by their grouping key and keeps the groups
// holding strictly more than minSize distinct items. Groups and the items
// inside them are in first-seen order. The first error from records is
// returned as is.
func GroupObservations(records iter.Seq2[source.Record, error], minSize int) ([]models.Observation, int, error) {
	type group struct {
		items []models.Item
		seen  map[models.Item]struct{}
	}
	groups := make(map[string]*group)
	var keys []string
	total := 0
	for r, err := range records {
		if err != nil {
			return nil, total, err
		}
		total++
		g, ok := groups[r.GroupKey]
		if !ok {
			g = &group{seen: make(map[models.Item]struct{})}
			groups[r.GroupKey] = g
			keys = append(keys, r.GroupKey)
		}
		item := r.Item()
		if _, dup := g.seen[item]; dup {
			continue
		}
		g.seen[item] = struct{}{}
		g.items = append(g.items, item)
	}

	var out []models.Observation
	for _, k := range keys {
		if g := groups[k]; len(g.items) > minSize {
			out = append(out, models.Observation{Key: k, Items: g.items})
		}
	}
	return out, total, nil
}
