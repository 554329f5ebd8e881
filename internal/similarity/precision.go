// Package similarity builds capped item-item cosine neighbor tables at several numeric precisions.
package similarity

import (
	"fmt"
	"strings"
)

// Precision selects the numeric encoding of neighbor scores.
type Precision int

const (
	// Float64 stores exact cosine similarity.
	Float64 Precision = iota
	// Float32 stores cosine similarity rounded to 32-bit floats.
	Float32
	// Float16 stores cosine similarity as IEEE 754 half-precision floats.
	// Rows are computed in bounded chunks.
	Float16
	// Int8 stores a saturating 8-bit approximation of cosine similarity on a
	// 0..255 scale (see Quantize). Rows are computed in bounded chunks.
	Int8
)

// String returns the canonical precision name.
func (p Precision) String() string {
	switch p {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision parses a precision name such as "float16" or "fp16".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float64", "fp64", "full":
		return Float64, nil
	case "float32", "fp32":
		return Float32, nil
	case "float16", "fp16":
		return Float16, nil
	case "int8", "uint8", "q8":
		return Int8, nil
	default:
		return 0, fmt.Errorf("unknown precision: %q (supported: float64, float32, float16, int8)", s)
	}
}

// chunked reports whether the similarity matrix is computed in row chunks
// instead of being materialized whole.
func (p Precision) chunked() bool {
	return p == Float16 || p == Int8
}

// bytesPerScore is the storage size of one score.
func (p Precision) bytesPerScore() int {
	switch p {
	case Float64:
		return 8
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 1
	}
}

func (p Precision) valid() bool {
	return p >= Float64 && p <= Int8
}
