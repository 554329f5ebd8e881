package similarity

import (
	"math"

	"github.com/hyperjump/cgrcompute/pkg/utils"
	"github.com/x448/float16"
)

// QuantizationScale multiplies each L2-normalized incidence entry before the
// 8-bit dot product, so a quantized score is QuantizationScale² × cosine,
// truncated toward zero.
const QuantizationScale = 16.0

// Quantize truncates a scaled dot product to the 8-bit range. Values at or
// below zero map to 0 and values at or above 255 saturate to 255.
func Quantize(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// encode rounds the cosine of two incidence rows to what precision p can
// represent and returns it as float64. co is the co-occurrence count; ni and
// nj are the number of observations containing each item.
func encode(p Precision, co, ni, nj int32) float64 {
	cos := utils.BinaryCosine(int(co), int(ni), int(nj))
	switch p {
	case Float32:
		return float64(float32(cos))
	case Float16:
		return float64(float16.Fromfloat32(float32(cos)).Float32())
	case Int8:
		// Linear kernel over rows scaled after normalization.
		return float64(Quantize(QuantizationScale * QuantizationScale * cos))
	default:
		return cos
	}
}
