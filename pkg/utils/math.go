package utils

import "math"

// BinaryCosine returns the cosine similarity of two binary vectors with
// ni and nj ones that share co positions: co / sqrt(ni*nj). Equal rows give
// exactly 1. It returns 0 when either vector is empty.
func BinaryCosine(co, ni, nj int) float64 {
	if ni <= 0 || nj <= 0 {
		return 0
	}
	return float64(co) / math.Sqrt(float64(ni)*float64(nj))
}
