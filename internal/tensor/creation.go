package tensor

// Zeros creates a zero-filled tensor.
// Panics on invalid shapes; callers that need a recoverable error use NewRaw.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	t, err := NewRaw(shape, dtype)
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a float32 tensor filled with a specific value.
func Full(shape Shape, value float32) *RawTensor {
	t := Zeros(shape, Float32)
	data := t.AsFloat32()
	for i := range data {
		data[i] = value
	}
	return t
}

// FromFloat32 creates a float32 tensor from a slice. The slice is copied.
func FromFloat32(data []float32, shape Shape) (*RawTensor, error) {
	t, err := NewRaw(shape, Float32)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, &ShapeError{
			Op:   "FromFloat32",
			Want: shape,
			Got:  Shape{len(data)},
		}
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// FromFloat64 creates a float64 tensor from a slice. The slice is copied.
func FromFloat64(data []float64, shape Shape) (*RawTensor, error) {
	t, err := NewRaw(shape, Float64)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, &ShapeError{
			Op:   "FromFloat64",
			Want: shape,
			Got:  Shape{len(data)},
		}
	}
	copy(t.AsFloat64(), data)
	return t, nil
}
