package similarity

import (
	"slices"
	"sort"
)

// candidate is one nonzero entry of a similarity row. j is a catalog index.
type candidate struct {
	j     int32
	score float64
}

// selectTop keeps the k highest-scoring candidates and returns them highest
// first. The sort is stable and ascending and keeps the last k, so equal
// scores resolve by input order.
func selectTop(cands []candidate, k int) []candidate {
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score < cands[b].score })
	if k >= 0 && len(cands) > k {
		cands = cands[len(cands)-k:]
	}
	slices.Reverse(cands)
	return cands
}
