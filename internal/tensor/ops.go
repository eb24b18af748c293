package tensor

import (
	"fmt"

	"github.com/flora-ml/flora/internal/parallel"
)

// ShapeError describes an operation applied to tensors of incompatible shapes.
type ShapeError struct {
	Op   string
	Want Shape
	Got  Shape
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// MatMul computes the 2-D matrix product a @ b.
// Both operands must be 2-D, share a dtype, and have compatible inner
// dimensions. Rows of the output are computed in parallel.
func MatMul(a, b *RawTensor) (*RawTensor, error) {
	if len(a.Shape()) != 2 || len(b.Shape()) != 2 {
		return nil, fmt.Errorf("MatMul: operands must be 2-D, got %v and %v", a.Shape(), b.Shape())
	}
	if a.DType() != b.DType() {
		return nil, fmt.Errorf("MatMul: dtype mismatch: %s vs %s", a.DType(), b.DType())
	}
	m, k := a.Shape()[0], a.Shape()[1]
	k2, n := b.Shape()[0], b.Shape()[1]
	if k != k2 {
		return nil, &ShapeError{Op: "MatMul", Want: Shape{k, n}, Got: b.Shape()}
	}

	out := Zeros(Shape{m, n}, a.DType())
	cfg := parallel.DefaultConfig()

	switch a.DType() {
	case Float32:
		ad, bd, od := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
		parallel.For(m, func(i int) {
			row := od[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := ad[i*k+p]
				if av == 0 {
					continue
				}
				brow := bd[p*n : (p+1)*n]
				for j := range row {
					row[j] += av * brow[j]
				}
			}
		}, cfg)
	case Float64:
		ad, bd, od := a.AsFloat64(), b.AsFloat64(), out.AsFloat64()
		parallel.For(m, func(i int) {
			row := od[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := ad[i*k+p]
				if av == 0 {
					continue
				}
				brow := bd[p*n : (p+1)*n]
				for j := range row {
					row[j] += av * brow[j]
				}
			}
		}, cfg)
	}
	return out, nil
}

// Transpose returns the 2-D transpose of a.
func Transpose(a *RawTensor) (*RawTensor, error) {
	if len(a.Shape()) != 2 {
		return nil, fmt.Errorf("Transpose: operand must be 2-D, got %v", a.Shape())
	}
	rows, cols := a.Shape()[0], a.Shape()[1]
	out := Zeros(Shape{cols, rows}, a.DType())

	switch a.DType() {
	case Float32:
		ad, od := a.AsFloat32(), out.AsFloat32()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				od[j*rows+i] = ad[i*cols+j]
			}
		}
	case Float64:
		ad, od := a.AsFloat64(), out.AsFloat64()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				od[j*rows+i] = ad[i*cols+j]
			}
		}
	}
	return out, nil
}
