package optim

import "github.com/flora-ml/flora/internal/tensor"

// Decomposition is the per-parameter moment buffer: either an exact
// full-size estimate (Naive) or a low-rank factored one (Factored).
// Exactly one variant exists per parameter tensor, chosen once at init
// time and never changed during training.
type Decomposition interface {
	decomposition()
}

// Naive holds an exact, full-size moment estimate.
type Naive struct {
	Data *tensor.RawTensor
}

func (*Naive) decomposition() {}

// FactorSide is one compressed side of a factored estimate: the random
// projection plus the data it compresses the moment into.
//
// For a parameter of shape (in, out) with rank tau, the left side holds
// proj (out, tau) and data (tau, in); the right side holds proj
// (tau, in) and data (out, tau).
type FactorSide struct {
	Proj Projection
	Data *tensor.RawTensor
}

// Factored holds a low-rank moment estimate. At least one side is
// populated; both only under the explicit both-sides configuration.
type Factored struct {
	Left  *FactorSide
	Right *FactorSide
}

func (*Factored) decomposition() {}
