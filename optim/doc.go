// Copyright 2025 The Flora Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides memory-efficient optimizers for gradient-based
// training, built from composable gradient transformations.
//
// # Overview
//
// This package contains:
//   - Flora: momentum compressed through low-rank random projections,
//     refreshed on a fixed cadence
//   - Adafactor: factored second-moment scaling without stored momentum
//   - Chain: the composition engine both optimizers are assembled from
//   - The individual transformations (clipping, learning-rate scaling,
//     parameter-scale multiply, weight decay, sign, EMA) for building
//     custom update rules
//
// # Basic Usage
//
//	import (
//	    "github.com/flora-ml/flora/optim"
//	    "github.com/flora-ml/flora/tensor"
//	)
//
//	params := optim.Params{
//	    "dense/w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32),
//	}
//
//	opt, err := optim.Flora(optim.FloraConfig{
//	    LearningRate: optim.Constant(0.01),
//	    Seed:         42,
//	})
//	state, err := opt.Init(params)
//
//	// Training loop
//	for batch := range loader.Batches(key) {
//	    grads := computeGradients(params, batch)
//	    updates, state, err = opt.Update(grads, state, params, nil)
//	    applyUpdates(params, updates) // params += updates
//	}
//
// # Memory
//
// A standard adaptive optimizer stores one or two full-size moment
// tensors per parameter. Flora tracks the first moment of a large
// (rows, cols) matrix as a rank-tau projection, rank*(rows+cols)
// numbers instead of rows*cols, and can shrink the projection itself to
// a single reproducible seed (RNGOnly). The projection basis is
// regenerated every Kappa steps; in between, only the compressed data
// buffer is updated.
//
// # Determinism
//
// All randomness flows from the explicit Seed through splittable keys:
// the same seed and the same call sequence reproduce identical states
// and updates bit-for-bit. Every operation is a pure mapping from
// (inputs, state) to (outputs, state); callers own the state value and
// must not share one across concurrent updates.
package optim
