package similarity

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// tableJSON is the serialized form of a Table. Float16 scores travel as their
// raw bit patterns and Int8 scores as byte strings.
type tableJSON[K comparable] struct {
	Precision string      `json:"precision"`
	Limit     int         `json:"limit"`
	Items     []K         `json:"items"`
	Neighbors [][]int32   `json:"neighbors"`
	F64       [][]float64 `json:"f64,omitempty"`
	F32       [][]float32 `json:"f32,omitempty"`
	F16       [][]uint16  `json:"f16,omitempty"`
	Q8        [][]byte    `json:"q8,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t *Table[K]) MarshalJSON() ([]byte, error) {
	out := tableJSON[K]{
		Precision: t.precision.String(),
		Limit:     t.limit,
		Items:     t.items,
		Neighbors: t.neighbors,
		F64:       t.f64,
		F32:       t.f32,
		Q8:        t.q8,
	}
	if t.f16 != nil {
		out.F16 = make([][]uint16, len(t.f16))
		for i, row := range t.f16 {
			bits := make([]uint16, len(row))
			for n, v := range row {
				bits[n] = v.Bits()
			}
			out.F16[i] = bits
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler and rebuilds the item index.
func (t *Table[K]) UnmarshalJSON(data []byte) error {
	var in tableJSON[K]
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p, err := ParsePrecision(in.Precision)
	if err != nil {
		return err
	}
	decoded := Table[K]{
		precision: p,
		limit:     in.Limit,
		items:     in.Items,
		index:     make(map[K]int32, len(in.Items)),
		neighbors: in.Neighbors,
		f64:       in.F64,
		f32:       in.F32,
		q8:        in.Q8,
	}
	for i, item := range in.Items {
		decoded.index[item] = int32(i)
	}
	if in.F16 != nil {
		decoded.f16 = make([][]float16.Float16, len(in.F16))
		for i, row := range in.F16 {
			vals := make([]float16.Float16, len(row))
			for n, b := range row {
				vals[n] = float16.Frombits(b)
			}
			decoded.f16[i] = vals
		}
	}
	if decoded.neighbors == nil {
		decoded.neighbors = make([][]int32, len(decoded.items))
	}
	if err := decoded.validate(); err != nil {
		return fmt.Errorf("decode %s table: %w", p, err)
	}
	*t = decoded
	return nil
}
