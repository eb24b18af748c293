package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flora-ml/flora/internal/optim"
	"github.com/flora-ml/flora/internal/tensor"
)

// runStage initializes a single transformation and applies one update.
func runStage(t *testing.T, tr optim.Transformation, updates, params optim.Params, ctx *optim.Context) (optim.Params, optim.State) {
	t.Helper()
	state, err := tr.Init(params)
	require.NoError(t, err)
	out, newState, err := tr.Update(updates, state, params, ctx)
	require.NoError(t, err)
	return out, newState
}

func TestIdentityPassthrough(t *testing.T) {
	u := singleParam(t, []float32{1, -2, 3}, tensor.Shape{3})
	out, _ := runStage(t, optim.Identity(), u, u, nil)
	assert.Equal(t, u["w"].AsFloat32(), out["w"].AsFloat32())
}

func TestClipByBlockRMSAboveThreshold(t *testing.T) {
	u := singleParam(t, []float32{3, 4}, tensor.Shape{2})
	out, _ := runStage(t, optim.ClipByBlockRMS(1.0), u, u, nil)

	got := out["w"].AsFloat32()
	rms := math.Sqrt((float64(got[0])*float64(got[0]) + float64(got[1])*float64(got[1])) / 2)
	assert.InDelta(t, 1.0, rms, 1e-6, "clipped block lands on the threshold")

	// Direction is preserved.
	assert.InDelta(t, float64(got[1])/float64(got[0]), 4.0/3.0, 1e-5)
}

func TestClipByBlockRMSBelowThreshold(t *testing.T) {
	u := singleParam(t, []float32{0.1, -0.2}, tensor.Shape{2})
	out, _ := runStage(t, optim.ClipByBlockRMS(1.0), u, u, nil)
	assert.Equal(t, u["w"].AsFloat32(), out["w"].AsFloat32())
}

func TestScale(t *testing.T) {
	u := singleParam(t, []float32{1.5, -2}, tensor.Shape{2})
	out, _ := runStage(t, optim.Scale(-1), u, u, nil)
	assert.Equal(t, []float32{-1.5, 2}, out["w"].AsFloat32())
}

func TestScaleBySign(t *testing.T) {
	u := singleParam(t, []float32{2.5, -0.1, 0}, tensor.Shape{3})
	out, _ := runStage(t, optim.ScaleBySign(), u, u, nil)
	assert.Equal(t, []float32{1, -1, 0}, out["w"].AsFloat32())
}

func TestScaleByLearningRateAdvancesSchedule(t *testing.T) {
	sched := func(step int) float32 { return float32(step + 1) }
	tr := optim.ScaleByLearningRate(sched, false)

	u := singleParam(t, []float32{1}, tensor.Shape{1})
	state, err := tr.Init(u)
	require.NoError(t, err)

	out, state, err := tr.Update(u, state, u, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, out["w"].AsFloat32())

	out, _, err = tr.Update(u, state, u, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, out["w"].AsFloat32(), "second step reads the advanced schedule")
}

func TestScaleByLearningRateFlipSign(t *testing.T) {
	u := singleParam(t, []float32{3}, tensor.Shape{1})
	out, _ := runStage(t, optim.ScaleByLearningRate(optim.Constant(0.5), true), u, u, nil)
	assert.Equal(t, []float32{-1.5}, out["w"].AsFloat32())
}

func TestScaleByParamBlockRMS(t *testing.T) {
	params := singleParam(t, []float32{2, -2}, tensor.Shape{2})
	u := singleParam(t, []float32{1, 3}, tensor.Shape{2})

	out, _ := runStage(t, optim.ScaleByParamBlockRMS(0), u, params, nil)
	assert.InDelta(t, 2.0, out["w"].AsFloat32()[0], 1e-6)
	assert.InDelta(t, 6.0, out["w"].AsFloat32()[1], 1e-6)
}

func TestScaleByParamBlockRMSFloor(t *testing.T) {
	params := singleParam(t, []float32{0, 0}, tensor.Shape{2})
	u := singleParam(t, []float32{1, 1}, tensor.Shape{2})

	out, _ := runStage(t, optim.ScaleByParamBlockRMS(0), u, params, nil)
	assert.InDelta(t, 1e-3, out["w"].AsFloat32()[0], 1e-9, "zero-init parameters still move")
}

func TestScaleByParamBlockRMSRequiresParams(t *testing.T) {
	tr := optim.ScaleByParamBlockRMS(0)
	u := singleParam(t, []float32{1}, tensor.Shape{1})
	state, err := tr.Init(u)
	require.NoError(t, err)

	_, _, err = tr.Update(u, state, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrParamsRequired)
}

func TestAddDecayedWeights(t *testing.T) {
	params := singleParam(t, []float32{10, -20}, tensor.Shape{2})
	u := singleParam(t, []float32{1, 1}, tensor.Shape{2})

	out, _ := runStage(t, optim.AddDecayedWeights(optim.Constant(0.1)), u, params, nil)
	assert.InDelta(t, 2.0, out["w"].AsFloat32()[0], 1e-6)
	assert.InDelta(t, -1.0, out["w"].AsFloat32()[1], 1e-6)
}

func TestAddDecayedWeightsRequiresParams(t *testing.T) {
	tr := optim.AddDecayedWeights(optim.Constant(0.1))
	u := singleParam(t, []float32{1}, tensor.Shape{1})
	state, err := tr.Init(u)
	require.NoError(t, err)

	_, _, err = tr.Update(u, state, nil, nil)
	assert.ErrorIs(t, err, optim.ErrParamsRequired)
}

func TestEMAAccumulates(t *testing.T) {
	tr := optim.EMA(0.5)
	params := singleParam(t, []float32{0}, tensor.Shape{1})
	state, err := tr.Init(params)
	require.NoError(t, err)

	g1 := singleParam(t, []float32{4}, tensor.Shape{1})
	out, state, err := tr.Update(g1, state, params, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out["w"].AsFloat32()[0], 1e-6, "debias-free first step halves the input")

	g2 := singleParam(t, []float32{8}, tensor.Shape{1})
	out, _, err = tr.Update(g2, state, params, nil)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, out["w"].AsFloat32()[0], 1e-6)
}

func TestScaleByInterpNeedsContext(t *testing.T) {
	tr := optim.ScaleByInterp(0.5, nil)
	u := singleParam(t, []float32{1}, tensor.Shape{1})
	state, err := tr.Init(u)
	require.NoError(t, err)

	_, _, err = tr.Update(u, state, u, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrParamsRequired)
}

func TestScaleByInterpBlends(t *testing.T) {
	tr := optim.ScaleByInterp(0.9, nil)
	grads := singleParam(t, []float32{10}, tensor.Shape{1})
	u := singleParam(t, []float32{100}, tensor.Shape{1})

	out, _ := runStage(t, tr, u, u, &optim.Context{Grads: grads})
	assert.InDelta(t, 91.0, out["w"].AsFloat32()[0], 1e-4, "0.9*update + 0.1*grad")
}

func TestInverseSqrtDecay(t *testing.T) {
	s := optim.InverseSqrtDecay(1.0, 2)
	assert.InDelta(t, 1.0, s(0), 1e-6)
	assert.InDelta(t, 1.0, s(1), 1e-6, "warmup holds the base rate")
	assert.InDelta(t, 1.0/math.Sqrt(3), float64(s(2)), 1e-6)
}
