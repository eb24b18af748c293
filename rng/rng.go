// Copyright 2025 The Flora Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rng exposes the splittable, deterministic pseudo-random keys
// that drive projection sampling and data shuffling.
//
// A Key is a value, not a generator: deriving sub-keys with Split or
// Next never mutates the parent, and the same seed plus the same
// derivation sequence reproduces the same draws bit-for-bit.
package rng

import (
	"github.com/flora-ml/flora/internal/rng"
)

// Key is a splittable PRNG key.
type Key = rng.Key

// NewKey creates a root key from an explicit seed.
func NewKey(seed uint64) Key {
	return rng.NewKey(seed)
}
