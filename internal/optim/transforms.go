package optim

import (
	"fmt"
	"math"

	"github.com/flora-ml/flora/internal/tensor"
)

// EmptyState is the state of stateless transformations.
type EmptyState struct{}

// ScheduleState counts steps for schedule-driven transformations.
type ScheduleState struct {
	Step int
}

// mapTree applies f to every tensor of a tree, building a new tree.
func mapTree(p Params, f func(*tensor.RawTensor) *tensor.RawTensor) Params {
	out := make(Params, len(p))
	for _, path := range sortedPaths(p) {
		out[path] = f(p[path])
	}
	return out
}

// scaleTensor returns t * factor.
func scaleTensor(t *tensor.RawTensor, factor float32) *tensor.RawTensor {
	out := tensor.Zeros(t.Shape(), tensor.Float32)
	src, dst := t.AsFloat32(), out.AsFloat32()
	for i := range dst {
		dst[i] = src[i] * factor
	}
	return out
}

// blockRMS returns sqrt(mean(t^2)).
func blockRMS(t *tensor.RawTensor) float32 {
	var sum float64
	for _, v := range t.AsFloat32() {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(t.NumElements())))
}

type identity struct{}

// Identity is the stateless pass-through transformation. It leaves the
// running updates untouched; not to be confused with a stage that zeros
// them.
func Identity() Transformation {
	return identity{}
}

func (identity) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (identity) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	return updates, state, nil
}

type clipByBlockRMS struct {
	threshold float32
}

// ClipByBlockRMS clips each tensor so its root-mean-square stays at or
// below the threshold. Tensors already below pass through unchanged.
func ClipByBlockRMS(threshold float32) Transformation {
	return clipByBlockRMS{threshold: threshold}
}

func (clipByBlockRMS) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (c clipByBlockRMS) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	out := mapTree(updates, func(u *tensor.RawTensor) *tensor.RawTensor {
		denom := blockRMS(u) / c.threshold
		if denom < 1 {
			denom = 1
		}
		return scaleTensor(u, 1/denom)
	})
	return out, state, nil
}

type scaleByLearningRate struct {
	lr       Schedule
	flipSign bool
}

// ScaleByLearningRate multiplies updates by the scheduled learning
// rate, negated when flipSign is set.
func ScaleByLearningRate(lr Schedule, flipSign bool) Transformation {
	return scaleByLearningRate{lr: lr, flipSign: flipSign}
}

func (scaleByLearningRate) Init(Params) (State, error) {
	return ScheduleState{}, nil
}

func (s scaleByLearningRate) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	st, ok := state.(ScheduleState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: scale_by_learning_rate wants ScheduleState, got %T", ErrStateType, state)
	}
	v := s.lr(st.Step)
	if s.flipSign {
		v = -v
	}
	out := mapTree(updates, func(u *tensor.RawTensor) *tensor.RawTensor {
		return scaleTensor(u, v)
	})
	return out, ScheduleState{Step: st.Step + 1}, nil
}

type scaleByParamBlockRMS struct {
	minScale float32
}

// ScaleByParamBlockRMS multiplies each tensor's update by the RMS of
// the corresponding parameter block, floored at minScale (default
// 1e-3) so freshly initialized near-zero parameters still move.
func ScaleByParamBlockRMS(minScale float32) Transformation {
	if minScale == 0 {
		minScale = 1e-3
	}
	return scaleByParamBlockRMS{minScale: minScale}
}

func (scaleByParamBlockRMS) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (s scaleByParamBlockRMS) Update(updates Params, state State, params Params, _ *Context) (Params, State, error) {
	if params == nil {
		return nil, nil, fmt.Errorf("%w: scale_by_param_block_rms", ErrParamsRequired)
	}
	out := make(Params, len(updates))
	for _, path := range sortedPaths(updates) {
		p, ok := params[path]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no parameter for %q", ErrMissingGradient, path)
		}
		scale := blockRMS(p)
		if scale < s.minScale {
			scale = s.minScale
		}
		out[path] = scaleTensor(updates[path], scale)
	}
	return out, state, nil
}

type addDecayedWeights struct {
	rate Schedule
}

// AddDecayedWeights adds rate * parameter to the updates (decoupled
// weight decay).
func AddDecayedWeights(rate Schedule) Transformation {
	return addDecayedWeights{rate: rate}
}

func (addDecayedWeights) Init(Params) (State, error) {
	return ScheduleState{}, nil
}

func (a addDecayedWeights) Update(updates Params, state State, params Params, _ *Context) (Params, State, error) {
	st, ok := state.(ScheduleState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: add_decayed_weights wants ScheduleState, got %T", ErrStateType, state)
	}
	if params == nil {
		return nil, nil, fmt.Errorf("%w: add_decayed_weights", ErrParamsRequired)
	}
	rate := a.rate(st.Step)
	out := make(Params, len(updates))
	for _, path := range sortedPaths(updates) {
		p, ok := params[path]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no parameter for %q", ErrMissingGradient, path)
		}
		u := updates[path]
		if !u.Shape().Equal(p.Shape()) {
			return nil, nil, fmt.Errorf("%w: %q: update %v, parameter %v", ErrShapeMismatch, path, u.Shape(), p.Shape())
		}
		t := tensor.Zeros(u.Shape(), tensor.Float32)
		ud, pd, dst := u.AsFloat32(), p.AsFloat32(), t.AsFloat32()
		for i := range dst {
			dst[i] = ud[i] + rate*pd[i]
		}
		out[path] = t
	}
	return out, ScheduleState{Step: st.Step + 1}, nil
}

type scaleTransform struct {
	factor float32
}

// Scale multiplies all updates by a fixed factor. The optimizer
// assemblers append Scale(-1) as the final stage to follow the negative
// gradient.
func Scale(factor float32) Transformation {
	return scaleTransform{factor: factor}
}

func (scaleTransform) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (s scaleTransform) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	out := mapTree(updates, func(u *tensor.RawTensor) *tensor.RawTensor {
		return scaleTensor(u, s.factor)
	})
	return out, state, nil
}

type scaleBySign struct{}

// ScaleBySign replaces every update entry with its sign.
func ScaleBySign() Transformation {
	return scaleBySign{}
}

func (scaleBySign) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (scaleBySign) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	out := mapTree(updates, func(u *tensor.RawTensor) *tensor.RawTensor {
		t := tensor.Zeros(u.Shape(), tensor.Float32)
		src, dst := u.AsFloat32(), t.AsFloat32()
		for i := range dst {
			switch {
			case src[i] > 0:
				dst[i] = 1
			case src[i] < 0:
				dst[i] = -1
			}
		}
		return t
	})
	return out, state, nil
}

// EMAState holds debias-free momentum buffers.
type EMAState struct {
	Moments Params
}

type emaTransform struct {
	decay float32
}

// EMA is plain debias-free momentum: the emitted update is the running
// exponential moving average of its inputs.
func EMA(decay float32) Transformation {
	return emaTransform{decay: decay}
}

func (emaTransform) Init(params Params) (State, error) {
	moments := make(Params, len(params))
	for _, path := range sortedPaths(params) {
		moments[path] = tensor.Zeros(params[path].Shape(), tensor.Float32)
	}
	return &EMAState{Moments: moments}, nil
}

func (e emaTransform) Update(updates Params, state State, _ Params, _ *Context) (Params, State, error) {
	st, ok := state.(*EMAState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: ema wants *EMAState, got %T", ErrStateType, state)
	}
	if err := checkTree(updates, st.Moments); err != nil {
		return nil, nil, err
	}
	moments := make(Params, len(updates))
	for _, path := range sortedPaths(updates) {
		moments[path] = ewma(st.Moments[path], updates[path], e.decay)
	}
	return moments, &EMAState{Moments: moments}, nil
}

type scaleByInterp struct {
	weight float32
	fn     func(*tensor.RawTensor) *tensor.RawTensor
}

// ScaleByInterp blends the raw gradients back into the running updates,
// (1-weight)*grad + weight*update, optionally post-processing each
// tensor with fn.
func ScaleByInterp(weight float32, fn func(*tensor.RawTensor) *tensor.RawTensor) Transformation {
	return scaleByInterp{weight: weight, fn: fn}
}

func (scaleByInterp) Init(Params) (State, error) {
	return EmptyState{}, nil
}

func (s scaleByInterp) Update(updates Params, state State, _ Params, ctx *Context) (Params, State, error) {
	if ctx == nil || ctx.Grads == nil {
		return nil, nil, fmt.Errorf("%w: scale_by_interp needs the raw gradients in the context", ErrParamsRequired)
	}
	if err := checkTree(ctx.Grads, updates); err != nil {
		return nil, nil, err
	}
	out := make(Params, len(updates))
	for _, path := range sortedPaths(updates) {
		t := ewma(updates[path], ctx.Grads[path], s.weight)
		if s.fn != nil {
			t = s.fn(t)
		}
		out[path] = t
	}
	return out, state, nil
}
