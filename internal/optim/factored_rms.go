package optim

import (
	"fmt"
	"math"

	"github.com/flora-ml/flora/internal/tensor"
)

// FactoredRMSConfig configures the Adafactor-style second-moment
// scaling.
type FactoredRMSConfig struct {
	// Factored keeps row/column mean-square statistics for large
	// matrices instead of a full buffer.
	Factored bool

	// DecayRate is the exponent of the step-dependent decay
	// 1 - (t+offset)^-DecayRate. Default 0.8.
	DecayRate float32

	// DecayOffset shifts the step counter, for resuming schedules.
	DecayOffset int

	// MinDimSizeToFactor gates factoring, default 128.
	MinDimSizeToFactor int

	// Eps regularizes squared gradients before averaging. Default 1e-30.
	Eps float32
}

// FactoredRMSState holds the second-moment statistics: factored row and
// column accumulators for large matrices, full buffers for the rest.
type FactoredRMSState struct {
	Step int
	VRow Params
	VCol Params
	V    Params
}

type factoredRMS struct {
	factored  bool
	decayRate float32
	offset    int
	minDim    int
	eps       float32
}

// ScaleByFactoredRMS divides the running updates by the root of an
// exponentially decayed mean-square gradient statistic. For matrices
// large enough on both axes the statistic is stored factored: one row
// vector and one column vector whose outer-product structure
// approximates the full second moment at O(rows+cols) memory.
//
// The statistics are always computed from the raw gradients carried in
// the Context, while the scaling applies to whatever the earlier chain
// stages emitted. With Context.QueryOnly set the stage scales with its
// existing statistics and leaves the state untouched.
func ScaleByFactoredRMS(cfg FactoredRMSConfig) Transformation {
	if cfg.DecayRate == 0 {
		cfg.DecayRate = 0.8
	}
	if cfg.MinDimSizeToFactor == 0 {
		cfg.MinDimSizeToFactor = 128
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-30
	}
	return &factoredRMS{
		factored:  cfg.Factored,
		decayRate: cfg.DecayRate,
		offset:    cfg.DecayOffset,
		minDim:    cfg.MinDimSizeToFactor,
		eps:       cfg.Eps,
	}
}

func (f *factoredRMS) shouldFactor(shape tensor.Shape) bool {
	return f.factored && len(shape) == 2 && shape.Min() >= f.minDim
}

func (f *factoredRMS) Init(params Params) (State, error) {
	st := &FactoredRMSState{
		VRow: make(Params),
		VCol: make(Params),
		V:    make(Params),
	}
	for _, path := range sortedPaths(params) {
		shape := params[path].Shape()
		if f.shouldFactor(shape) {
			st.VRow[path] = tensor.Zeros(tensor.Shape{shape[0]}, tensor.Float32)
			st.VCol[path] = tensor.Zeros(tensor.Shape{shape[1]}, tensor.Float32)
		} else {
			st.V[path] = tensor.Zeros(shape, tensor.Float32)
		}
	}
	return st, nil
}

// decay computes the step-dependent decay 1 - t^-rho with t counted
// from 1.
func (f *factoredRMS) decay(step int) float32 {
	t := float64(step + 1 + f.offset)
	return float32(1 - math.Pow(t, -float64(f.decayRate)))
}

func (f *factoredRMS) Update(updates Params, state State, _ Params, ctx *Context) (Params, State, error) {
	st, ok := state.(*FactoredRMSState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: scale_by_factored_rms wants *FactoredRMSState, got %T", ErrStateType, state)
	}
	grads := updates
	queryOnly := false
	if ctx != nil {
		if ctx.Grads != nil {
			grads = ctx.Grads
		}
		queryOnly = ctx.QueryOnly
	}
	if err := checkTree(grads, updates); err != nil {
		return nil, nil, err
	}

	beta := f.decay(st.Step)
	out := make(Params, len(updates))
	next := &FactoredRMSState{
		Step: st.Step + 1,
		VRow: make(Params, len(st.VRow)),
		VCol: make(Params, len(st.VCol)),
		V:    make(Params, len(st.V)),
	}

	for _, path := range sortedPaths(updates) {
		g := grads[path]
		u := updates[path]

		if vRow, okRow := st.VRow[path]; okRow {
			vCol := st.VCol[path]
			if len(g.Shape()) != 2 || vRow.NumElements() != g.Shape()[0] || vCol.NumElements() != g.Shape()[1] {
				return nil, nil, fmt.Errorf("%w: %q: factored statistics (%d, %d) do not match gradient %v", ErrShapeMismatch, path, vRow.NumElements(), vCol.NumElements(), g.Shape())
			}

			newRow, newCol := vRow, vCol
			if !queryOnly {
				newRow, newCol = f.advanceFactored(g, vRow, vCol, beta)
				next.VRow[path] = newRow
				next.VCol[path] = newCol
			}
			out[path] = f.scaleFactored(u, newRow, newCol)
			continue
		}

		v, okV := st.V[path]
		if !okV {
			return nil, nil, fmt.Errorf("%w: no second-moment state for %q", ErrMissingGradient, path)
		}
		if !g.Shape().Equal(v.Shape()) {
			return nil, nil, fmt.Errorf("%w: %q: state %v, gradient %v", ErrShapeMismatch, path, v.Shape(), g.Shape())
		}

		newV := v
		if !queryOnly {
			newV = f.advanceFull(g, v, beta)
			next.V[path] = newV
		}
		out[path] = scaleByRsqrt(u, newV)
	}

	if queryOnly {
		return out, st, nil
	}
	return out, next, nil
}

// advanceFactored folds the squared gradient's row and column means
// into the factored statistics.
func (f *factoredRMS) advanceFactored(g, vRow, vCol *tensor.RawTensor, beta float32) (*tensor.RawTensor, *tensor.RawTensor) {
	rows, cols := g.Shape()[0], g.Shape()[1]
	gd := g.AsFloat32()

	rowMean := make([]float64, rows)
	colMean := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sq := float64(gd[i*cols+j])*float64(gd[i*cols+j]) + float64(f.eps)
			rowMean[i] += sq
			colMean[j] += sq
		}
	}

	newRow := tensor.Zeros(tensor.Shape{rows}, tensor.Float32)
	nr, vr := newRow.AsFloat32(), vRow.AsFloat32()
	for i := range nr {
		nr[i] = beta*vr[i] + (1-beta)*float32(rowMean[i]/float64(cols))
	}
	newCol := tensor.Zeros(tensor.Shape{cols}, tensor.Float32)
	nc, vc := newCol.AsFloat32(), vCol.AsFloat32()
	for j := range nc {
		nc[j] = beta*vc[j] + (1-beta)*float32(colMean[j]/float64(rows))
	}
	return newRow, newCol
}

// scaleFactored applies the row/column preconditioner: the row factor
// is normalized by its own mean so the overall magnitude is carried by
// the column factor alone.
func (f *factoredRMS) scaleFactored(u, vRow, vCol *tensor.RawTensor) *tensor.RawTensor {
	rows, cols := u.Shape()[0], u.Shape()[1]
	vr, vc := vRow.AsFloat32(), vCol.AsFloat32()

	var rowTotal float64
	for _, v := range vr {
		rowTotal += float64(v)
	}
	rowMean := rowTotal / float64(rows)

	rowFactor := make([]float32, rows)
	for i := range rowFactor {
		rowFactor[i] = float32(1 / math.Sqrt(float64(vr[i])/rowMean))
	}
	colFactor := make([]float32, cols)
	for j := range colFactor {
		colFactor[j] = float32(1 / math.Sqrt(float64(vc[j])))
	}

	out := tensor.Zeros(u.Shape(), tensor.Float32)
	ud, dst := u.AsFloat32(), out.AsFloat32()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[i*cols+j] = ud[i*cols+j] * rowFactor[i] * colFactor[j]
		}
	}
	return out
}

func (f *factoredRMS) advanceFull(g, v *tensor.RawTensor, beta float32) *tensor.RawTensor {
	out := tensor.Zeros(v.Shape(), tensor.Float32)
	gd, vd, dst := g.AsFloat32(), v.AsFloat32(), out.AsFloat32()
	for i := range dst {
		dst[i] = beta*vd[i] + (1-beta)*(gd[i]*gd[i]+f.eps)
	}
	return out
}

func scaleByRsqrt(u, v *tensor.RawTensor) *tensor.RawTensor {
	out := tensor.Zeros(u.Shape(), tensor.Float32)
	ud, vd, dst := u.AsFloat32(), v.AsFloat32(), out.AsFloat32()
	for i := range dst {
		dst[i] = ud[i] / float32(math.Sqrt(float64(vd[i])))
	}
	return out
}
