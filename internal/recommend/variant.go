// Package recommend builds the course recommendation model from observed
// course selections and answers ranked and random recommendation queries.
package recommend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/cgrcompute/internal/similarity"
)

// ErrUnknownVariant is returned for a variant name outside the closed set or
// for a similarity variant the model was not trained with.
var ErrUnknownVariant = errors.New("unknown variant")

// Variant selects how recommendations are ranked.
type Variant int

const (
	// Random samples the catalog uniformly.
	Random Variant = iota
	// Cosine ranks by full precision cosine similarity.
	Cosine
	// CosineFP32 ranks by 32-bit float similarity.
	CosineFP32
	// CosineFP16 ranks by 16-bit float similarity.
	CosineFP16
	// CosineInt8 ranks by 8-bit quantized similarity.
	CosineInt8
)

var variantNames = [...]string{
	Random:     "RANDOM",
	Cosine:     "COSINE",
	CosineFP32: "COSINE_FP32",
	CosineFP16: "COSINE_FP16",
	CosineInt8: "COSINE_INT8",
}

// String returns the wire name of the variant.
func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

// Precision returns the similarity precision backing v. ok is false for Random.
func (v Variant) Precision() (p similarity.Precision, ok bool) {
	switch v {
	case Cosine:
		return similarity.Float64, true
	case CosineFP32:
		return similarity.Float32, true
	case CosineFP16:
		return similarity.Float16, true
	case CosineInt8:
		return similarity.Int8, true
	}
	return 0, false
}

// ParseVariant resolves a wire name, case-insensitively.
func ParseVariant(s string) (Variant, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for v, n := range variantNames {
		if n == name {
			return Variant(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// ParseVariants resolves a list of names and drops duplicates.
func ParseVariants(names []string) ([]Variant, error) {
	var out []Variant
	seen := make(map[Variant]bool)
	for _, n := range names {
		v, err := ParseVariant(n)
		if err != nil {
			return nil, err
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}
