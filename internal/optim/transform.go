// Package optim implements composable gradient transformations for
// training large parametric models, built around a memory-efficient
// low-rank factorized first-moment estimator (Flora) and an
// Adafactor-style factored second moment.
//
// A Transformation is a pure, stateful update rule: Init allocates its
// state from the parameter tree, Update maps (updates, state) to new
// (updates, state). Transformations compose into a Chain, which threads
// the running updates through an ordered stage list while keeping each
// stage's state isolated in an index-aligned tuple. The Flora and
// Adafactor constructors assemble concrete chains.
package optim

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/flora-ml/flora/internal/tensor"
)

// Params maps parameter paths to tensors. The same container shape is
// used for parameters, gradients, and emitted updates.
type Params map[string]*tensor.RawTensor

// State is an opaque per-transformation state value.
type State any

// Context carries extra arguments through a chain update. The leading
// stages of the Flora and Adafactor chains consume the raw incoming
// gradients (for their moment statistics) even after earlier stages
// have rewritten the running updates; later stages ignore it.
type Context struct {
	// Grads holds the raw gradients the chain was invoked with.
	Grads Params

	// QueryOnly asks moment-tracking stages to scale without
	// advancing their statistics.
	QueryOnly bool
}

// Transformation is a single stateful gradient update rule.
//
// Every call is a pure mapping from (inputs, explicit state) to
// (outputs, new state): implementations never retain references to
// their arguments across calls.
type Transformation interface {
	// Init allocates the transformation's state for a parameter tree.
	Init(params Params) (State, error)

	// Update rewrites the running updates and returns the advanced
	// state. ctx may be nil for stages that need no extra context.
	Update(updates Params, state State, params Params, ctx *Context) (Params, State, error)
}

// Schedule maps a step count to a scalar hyperparameter value.
type Schedule func(step int) float32

// Constant returns a schedule that always yields v.
func Constant(v float32) Schedule {
	return func(int) float32 { return v }
}

// InverseSqrtDecay returns base/sqrt(step+1), optionally holding base
// flat for warmup steps first.
func InverseSqrtDecay(base float32, warmup int) Schedule {
	return func(step int) float32 {
		if step < warmup {
			return base
		}
		return base / float32(math.Sqrt(float64(step+1)))
	}
}

// sortedPaths returns the parameter paths in lexicographic order.
// Every tree traversal in this package iterates in this order so that
// key derivation and floating-point accumulation are deterministic.
func sortedPaths(p Params) []string {
	return slices.Sorted(maps.Keys(p))
}

// ewma returns beta*prev + (1-beta)*obs. Shapes must already agree.
func ewma(prev, obs *tensor.RawTensor, beta float32) *tensor.RawTensor {
	out := tensor.Zeros(prev.Shape(), tensor.Float32)
	p, o, dst := prev.AsFloat32(), obs.AsFloat32(), out.AsFloat32()
	for i := range dst {
		dst[i] = beta*p[i] + (1-beta)*o[i]
	}
	return out
}

// checkTree verifies that grads covers exactly the paths in ref, with
// matching shapes. Any divergence is a configuration error.
func checkTree(grads Params, ref Params) error {
	if len(grads) != len(ref) {
		return fmt.Errorf("%w: %d gradients for %d parameters", ErrMissingGradient, len(grads), len(ref))
	}
	for path, r := range ref {
		g, ok := grads[path]
		if !ok {
			return fmt.Errorf("%w: no gradient for %q", ErrMissingGradient, path)
		}
		if !g.Shape().Equal(r.Shape()) {
			return fmt.Errorf("%w: %q: state %v, gradient %v", ErrShapeMismatch, path, r.Shape(), g.Shape())
		}
	}
	return nil
}
