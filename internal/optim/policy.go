package optim

import (
	"fmt"

	"github.com/flora-ml/flora/internal/tensor"
)

// Side selects which dimension of a 2-D parameter a random projection
// compresses.
type Side string

// Recognized side values. SideAuto picks per tensor; SideBoth keeps a
// compressed estimate on both sides and averages at query time.
const (
	SideAuto  Side = "auto"
	SideLeft  Side = "left"
	SideRight Side = "right"
	SideBoth  Side = "both"
)

// Validate rejects unrecognized side values. The empty string is
// accepted and treated as auto.
func (s Side) Validate() error {
	switch s {
	case "", SideAuto, SideLeft, SideRight, SideBoth:
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidSide, string(s))
	}
}

// FactorizationPolicy decides, per parameter tensor, whether the moment
// estimate is kept factored and which side the projection compresses.
// The decision is made once at init time and stored with the state, so
// update and query never re-derive it.
type FactorizationPolicy struct {
	// Factored globally enables factorization.
	Factored bool

	// MinDimSizeToFactor is the smallest dimension a tensor needs on
	// every axis before it is worth compressing.
	MinDimSizeToFactor int

	// MaxAspectRatio protects strongly skewed tensors (embeddings)
	// from over-compression: above it, the tensor stays exact.
	MaxAspectRatio int

	// Side forces a fixed side for all tensors, or picks per tensor
	// when auto.
	Side Side
}

// ShouldFactorize reports whether a tensor of the given shape gets a
// low-rank moment buffer. Rules apply in order: globally disabled,
// non-matrix rank, aspect ratio, minimum dimension.
func (p FactorizationPolicy) ShouldFactorize(shape tensor.Shape) bool {
	if !p.Factored {
		return false
	}
	if len(shape) != 2 {
		return false
	}
	if shape.Max() > shape.Min()*p.MaxAspectRatio {
		return false
	}
	return shape.Min() >= p.MinDimSizeToFactor
}

// ResolveSide returns the concrete side for a tensor: the forced side
// when one is configured, otherwise right for wider-than-tall tensors
// (compressing the input dimension) and left otherwise.
func (p FactorizationPolicy) ResolveSide(shape tensor.Shape) Side {
	if p.Side != "" && p.Side != SideAuto {
		return p.Side
	}
	if shape[1] > shape[0] {
		return SideRight
	}
	return SideLeft
}
