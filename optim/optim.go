// Copyright 2025 The Flora Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"github.com/flora-ml/flora/internal/optim"
)

// Params maps parameter paths to tensors. The same container shape is
// used for parameters, gradients, and emitted updates.
type Params = optim.Params

// State is an opaque per-transformation state value.
type State = optim.State

// Context carries extra arguments through a chain update.
type Context = optim.Context

// Transformation is a single stateful gradient update rule.
type Transformation = optim.Transformation

// Schedule maps a step count to a scalar hyperparameter value.
type Schedule = optim.Schedule

// Constant returns a schedule that always yields v.
func Constant(v float32) Schedule {
	return optim.Constant(v)
}

// InverseSqrtDecay returns base/sqrt(step+1) after warmup steps.
func InverseSqrtDecay(base float32, warmup int) Schedule {
	return optim.InverseSqrtDecay(base, warmup)
}

// Chain composes an ordered sequence of transformations into one
// transformation with combined init and update.
type Chain = optim.Chain

// ChainState is the index-aligned state tuple of a Chain.
type ChainState = optim.ChainState

// NewChain builds a chain from an ordered stage list.
func NewChain(transforms ...Transformation) *Chain {
	return optim.NewChain(transforms...)
}

// Side selects which dimension of a 2-D parameter a random projection
// compresses.
type Side = optim.Side

// Recognized side values.
const (
	SideAuto  Side = optim.SideAuto
	SideLeft  Side = optim.SideLeft
	SideRight Side = optim.SideRight
	SideBoth  Side = optim.SideBoth
)

// FactorizationPolicy decides which parameters get low-rank moment
// buffers and which side is compressed.
type FactorizationPolicy = optim.FactorizationPolicy

// ProjectionDist selects the projection sampling distribution.
type ProjectionDist = optim.ProjectionDist

// Supported projection distributions.
const (
	DistNormal     ProjectionDist = optim.DistNormal
	DistOrthogonal ProjectionDist = optim.DistOrthogonal
)

// Decomposition variants and projection storage.
type (
	// Decomposition is the per-parameter moment buffer variant.
	Decomposition = optim.Decomposition
	// Naive holds an exact, full-size moment estimate.
	Naive = optim.Naive
	// Factored holds a low-rank moment estimate.
	Factored = optim.Factored
	// FactorSide is one compressed side of a factored estimate.
	FactorSide = optim.FactorSide
	// Projection is a materialized or seed-only random projection.
	Projection = optim.Projection
)

// FloraEstimator maintains the compressed first-moment estimate.
type FloraEstimator = optim.FloraEstimator

// FloraState is the estimator's state.
type FloraState = optim.FloraState

// ScaleByFloraConfig configures the compressed first-moment
// transformation.
type ScaleByFloraConfig = optim.ScaleByFloraConfig

// ScaleByFlora builds the compressed first-moment transformation.
//
// Example:
//
//	est, err := optim.ScaleByFlora(optim.ScaleByFloraConfig{
//	    Tau:   4,
//	    Seed:  42,
//	    Kappa: 1000,
//	})
func ScaleByFlora(cfg ScaleByFloraConfig) (*FloraEstimator, error) {
	return optim.ScaleByFlora(cfg)
}

// FloraConfig configures the full Flora optimizer chain.
type FloraConfig = optim.FloraConfig

// Flora assembles the Flora optimizer chain.
//
// Example:
//
//	opt, err := optim.Flora(optim.FloraConfig{
//	    LearningRate: optim.Constant(0.01),
//	    Seed:         42,
//	})
//	state, err := opt.Init(params)
//	updates, state, err := opt.Update(grads, state, params, nil)
func Flora(cfg FloraConfig) (*Chain, error) {
	return optim.Flora(cfg)
}

// AdafactorConfig configures the plain Adafactor chain.
type AdafactorConfig = optim.AdafactorConfig

// Adafactor assembles the Adafactor optimizer chain.
func Adafactor(cfg AdafactorConfig) (*Chain, error) {
	return optim.Adafactor(cfg)
}

// FactoredRMSConfig configures the factored second-moment scaling.
type FactoredRMSConfig = optim.FactoredRMSConfig

// ScaleByFactoredRMS builds the factored second-moment scaling stage.
func ScaleByFactoredRMS(cfg FactoredRMSConfig) Transformation {
	return optim.ScaleByFactoredRMS(cfg)
}

// Complementary transformations.

// Identity is the stateless pass-through transformation.
func Identity() Transformation { return optim.Identity() }

// ClipByBlockRMS clips each tensor's RMS at the threshold.
func ClipByBlockRMS(threshold float32) Transformation {
	return optim.ClipByBlockRMS(threshold)
}

// ScaleByLearningRate multiplies updates by the scheduled rate.
func ScaleByLearningRate(lr Schedule, flipSign bool) Transformation {
	return optim.ScaleByLearningRate(lr, flipSign)
}

// ScaleByParamBlockRMS scales updates by the parameter block RMS.
func ScaleByParamBlockRMS(minScale float32) Transformation {
	return optim.ScaleByParamBlockRMS(minScale)
}

// AddDecayedWeights adds decoupled weight decay.
func AddDecayedWeights(rate Schedule) Transformation {
	return optim.AddDecayedWeights(rate)
}

// Scale multiplies all updates by a fixed factor.
func Scale(factor float32) Transformation { return optim.Scale(factor) }

// ScaleBySign replaces every update entry with its sign.
func ScaleBySign() Transformation { return optim.ScaleBySign() }

// EMA is debias-free momentum.
func EMA(decay float32) Transformation { return optim.EMA(decay) }

// Configuration errors.
var (
	ErrStateArity      = optim.ErrStateArity
	ErrStateType       = optim.ErrStateType
	ErrShapeMismatch   = optim.ErrShapeMismatch
	ErrMissingGradient = optim.ErrMissingGradient
	ErrInvalidSide     = optim.ErrInvalidSide
	ErrParamsRequired  = optim.ErrParamsRequired
	ErrInvalidConfig   = optim.ErrInvalidConfig
)
