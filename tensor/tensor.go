// Copyright 2025 The Flora Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for the numeric arrays the
// Flora optimizers operate on.
//
// Example:
//
//	w := tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)
//	g := tensor.Full(tensor.Shape{256, 64}, 1.0)
package tensor

import (
	"github.com/flora-ml/flora/internal/tensor"
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3} is a 2x3 matrix.
type Shape = tensor.Shape

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// RawTensor is the low-level tensor representation: a contiguous
// row-major buffer plus shape and runtime type information.
type RawTensor = tensor.RawTensor

// ShapeError describes an operation applied to incompatible shapes.
type ShapeError = tensor.ShapeError

// NewRaw creates a zero-initialized tensor, validating the shape.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// Zeros creates a zero-filled tensor. Panics on invalid shapes.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	return tensor.Zeros(shape, dtype)
}

// Full creates a float32 tensor filled with a specific value.
func Full(shape Shape, value float32) *RawTensor {
	return tensor.Full(shape, value)
}

// FromFloat32 creates a float32 tensor from a slice. The slice is copied.
func FromFloat32(data []float32, shape Shape) (*RawTensor, error) {
	return tensor.FromFloat32(data, shape)
}

// FromFloat64 creates a float64 tensor from a slice. The slice is copied.
func FromFloat64(data []float64, shape Shape) (*RawTensor, error) {
	return tensor.FromFloat64(data, shape)
}

// MatMul computes the 2-D matrix product a @ b.
func MatMul(a, b *RawTensor) (*RawTensor, error) {
	return tensor.MatMul(a, b)
}

// Transpose returns the 2-D transpose of a.
func Transpose(a *RawTensor) (*RawTensor, error) {
	return tensor.Transpose(a)
}
