package optim

import (
	"math"

	"github.com/flora-ml/flora/internal/rng"
	"github.com/flora-ml/flora/internal/tensor"
)

// ProjectionDist selects the distribution random projections are drawn
// from.
type ProjectionDist int

// Supported projection distributions.
const (
	// DistNormal draws independent normal entries scaled by
	// 1/sqrt(min(shape)).
	DistNormal ProjectionDist = iota

	// DistOrthogonal orthonormalizes a normal draw (Gram-Schmidt along
	// the shorter axis).
	DistOrthogonal
)

// randomMatrix draws a rows x cols projection for the given key.
// The same key always reproduces the same matrix bit-for-bit.
func randomMatrix(key rng.Key, rows, cols int, dist ProjectionDist) *tensor.RawTensor {
	out := tensor.Zeros(tensor.Shape{rows, cols}, tensor.Float32)
	data := out.AsFloat32()
	draws := key.Normal(rows * cols)

	if dist == DistOrthogonal {
		copy(data, draws)
		orthonormalize(data, rows, cols)
		return out
	}

	scale := float32(1.0 / math.Sqrt(float64(min(rows, cols))))
	for i, d := range draws {
		data[i] = d * scale
	}
	return out
}

// orthonormalize runs modified Gram-Schmidt along the shorter axis of a
// row-major rows x cols matrix, in place.
func orthonormalize(data []float32, rows, cols int) {
	if rows >= cols {
		// Orthonormal columns.
		for j := 0; j < cols; j++ {
			for k := 0; k < j; k++ {
				var dot float32
				for i := 0; i < rows; i++ {
					dot += data[i*cols+j] * data[i*cols+k]
				}
				for i := 0; i < rows; i++ {
					data[i*cols+j] -= dot * data[i*cols+k]
				}
			}
			var norm float64
			for i := 0; i < rows; i++ {
				v := float64(data[i*cols+j])
				norm += v * v
			}
			inv := float32(1.0 / math.Sqrt(norm))
			for i := 0; i < rows; i++ {
				data[i*cols+j] *= inv
			}
		}
		return
	}

	// Orthonormal rows.
	for i := 0; i < rows; i++ {
		ri := data[i*cols : (i+1)*cols]
		for k := 0; k < i; k++ {
			rk := data[k*cols : (k+1)*cols]
			var dot float32
			for j := range ri {
				dot += ri[j] * rk[j]
			}
			for j := range ri {
				ri[j] -= dot * rk[j]
			}
		}
		var norm float64
		for j := range ri {
			norm += float64(ri[j]) * float64(ri[j])
		}
		inv := float32(1.0 / math.Sqrt(norm))
		for j := range ri {
			ri[j] *= inv
		}
	}
}

type projectionKind int

const (
	projMaterialized projectionKind = iota
	projSeedOnly
)

// Projection is a random projection matrix stored either as the
// materialized tensor or, in seed-only mode, as just the key that
// regenerates it on demand (trading compute for memory).
type Projection struct {
	kind projectionKind
	key  rng.Key
	mat  *tensor.RawTensor
}

// NewMaterialized wraps an explicit projection tensor.
func NewMaterialized(mat *tensor.RawTensor) Projection {
	return Projection{kind: projMaterialized, mat: mat}
}

// NewSeedOnly stores only the generating key.
func NewSeedOnly(key rng.Key) Projection {
	return Projection{kind: projSeedOnly, key: key}
}

// SeedOnly reports whether the projection is stored as a key.
func (p Projection) SeedOnly() bool {
	return p.kind == projSeedOnly
}

// Key returns the generating key of a seed-only projection.
// Panics for materialized projections, which do not retain their key.
func (p Projection) Key() rng.Key {
	if p.kind != projSeedOnly {
		panic("Key on materialized projection")
	}
	return p.key
}

// Matrix returns the projection tensor, regenerating it from the key in
// seed-only mode. Regeneration from the same key always reproduces the
// same tensor.
func (p Projection) Matrix(rows, cols int, dist ProjectionDist) *tensor.RawTensor {
	if p.kind == projMaterialized {
		return p.mat
	}
	return randomMatrix(p.key, rows, cols, dist)
}
