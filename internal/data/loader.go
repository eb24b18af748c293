// Package data provides the batching utility: a deterministic loader
// that slices a dataset into fixed-size batches, optionally shuffled by
// an explicit random key.
package data

import (
	"errors"
	"fmt"
	"iter"

	"github.com/flora-ml/flora/internal/rng"
	"github.com/flora-ml/flora/internal/tensor"
)

// Batch maps field names to arrays whose leading dimension is the
// batch size (or less, for a permitted incomplete final batch).
type Batch map[string]*tensor.RawTensor

// Dataset is a finite, indexable collection of examples.
type Dataset interface {
	// Len returns the number of examples.
	Len() int

	// Gather assembles a batch from example indices.
	Gather(indices []int) Batch
}

// Loader configuration errors.
var (
	ErrBatchSize    = errors.New("batch size must be positive")
	ErrEmptyDataset = errors.New("dataset has no columns")
	ErrRaggedColumn = errors.New("dataset columns disagree on length")
)

// TensorDataset is an in-memory column store: each field is one tensor
// whose leading dimension is the dataset length.
type TensorDataset struct {
	columns map[string]*tensor.RawTensor
	length  int
}

// NewTensorDataset wraps a set of columns. All columns must share their
// leading dimension.
func NewTensorDataset(columns map[string]*tensor.RawTensor) (*TensorDataset, error) {
	if len(columns) == 0 {
		return nil, ErrEmptyDataset
	}
	length := -1
	for name, col := range columns {
		if len(col.Shape()) == 0 {
			return nil, fmt.Errorf("%w: column %q is scalar", ErrRaggedColumn, name)
		}
		if length == -1 {
			length = col.Shape()[0]
		} else if col.Shape()[0] != length {
			return nil, fmt.Errorf("%w: column %q has %d rows, want %d", ErrRaggedColumn, name, col.Shape()[0], length)
		}
	}
	return &TensorDataset{columns: columns, length: length}, nil
}

// Len returns the number of examples.
func (d *TensorDataset) Len() int {
	return d.length
}

// Gather copies the selected rows of every column into a fresh batch.
func (d *TensorDataset) Gather(indices []int) Batch {
	batch := make(Batch, len(d.columns))
	for name, col := range d.columns {
		shape := col.Shape().Clone()
		rowSize := col.NumElements() / d.length
		shape[0] = len(indices)
		out := tensor.Zeros(shape, col.DType())

		switch col.DType() {
		case tensor.Float32:
			src, dst := col.AsFloat32(), out.AsFloat32()
			for bi, idx := range indices {
				copy(dst[bi*rowSize:(bi+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
			}
		case tensor.Float64:
			src, dst := col.AsFloat64(), out.AsFloat64()
			for bi, idx := range indices {
				copy(dst[bi*rowSize:(bi+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
			}
		}
		batch[name] = out
	}
	return batch
}

// Config controls batching behavior.
type Config struct {
	BatchSize int

	// Shuffle draws one permutation per Batches call from the key
	// passed in; iteration is not resumable mid-epoch.
	Shuffle bool

	// DropLast skips a final incomplete batch instead of yielding a
	// short one.
	DropLast bool
}

// Loader slices a dataset into batches.
type Loader struct {
	ds  Dataset
	cfg Config
}

// NewLoader validates the configuration and builds a loader.
func NewLoader(ds Dataset, cfg Config) (*Loader, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrBatchSize, cfg.BatchSize)
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Steps returns the number of batches one pass yields.
func (l *Loader) Steps() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Batches returns a lazy, finite sequence of batches. The key drives
// the shuffle permutation; the same key reproduces the same epoch.
func (l *Loader) Batches(key rng.Key) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		n := l.ds.Len()
		var order []int
		if l.cfg.Shuffle {
			order = key.Perm(n)
		} else {
			order = make([]int, n)
			for i := range order {
				order[i] = i
			}
		}
		if l.cfg.DropLast {
			order = order[:l.Steps()*l.cfg.BatchSize]
		}

		for start := 0; start < len(order); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(order))
			if !yield(l.ds.Gather(order[start:end])) {
				return
			}
		}
	}
}
