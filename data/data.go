// Copyright 2025 The Flora Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package data provides the public API for the batching utility.
//
// Example:
//
//	ds, _ := data.NewTensorDataset(map[string]*tensor.RawTensor{
//	    "x": features,
//	    "y": targets,
//	})
//	loader, _ := data.NewLoader(ds, data.Config{BatchSize: 32, Shuffle: true})
//	for batch := range loader.Batches(rng.NewKey(42)) {
//	    step(batch["x"], batch["y"])
//	}
package data

import (
	"github.com/flora-ml/flora/internal/data"
	"github.com/flora-ml/flora/internal/tensor"
)

// Batch maps field names to arrays of batch length.
type Batch = data.Batch

// Dataset is a finite, indexable collection of examples.
type Dataset = data.Dataset

// TensorDataset is an in-memory column store.
type TensorDataset = data.TensorDataset

// Config controls batching behavior.
type Config = data.Config

// Loader slices a dataset into batches.
type Loader = data.Loader

// Loader configuration errors.
var (
	ErrBatchSize    = data.ErrBatchSize
	ErrEmptyDataset = data.ErrEmptyDataset
	ErrRaggedColumn = data.ErrRaggedColumn
)

// NewTensorDataset wraps a set of equal-length columns.
func NewTensorDataset(columns map[string]*tensor.RawTensor) (*TensorDataset, error) {
	return data.NewTensorDataset(columns)
}

// NewLoader validates the configuration and builds a loader.
func NewLoader(ds Dataset, cfg Config) (*Loader, error) {
	return data.NewLoader(ds, cfg)
}
