package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flora-ml/flora/internal/optim"
	"github.com/flora-ml/flora/internal/rng"
	"github.com/flora-ml/flora/internal/tensor"
)

func newEstimator(t *testing.T, cfg optim.ScaleByFloraConfig) *optim.FloraEstimator {
	t.Helper()
	est, err := optim.ScaleByFlora(cfg)
	require.NoError(t, err)
	return est
}

func floraState(t *testing.T, est *optim.FloraEstimator, params optim.Params) *optim.FloraState {
	t.Helper()
	state, err := est.Init(params)
	require.NoError(t, err)
	return state.(*optim.FloraState)
}

func TestScaleByFloraDeterminism(t *testing.T) {
	params := optim.Params{
		"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32),
		"b": tensor.Zeros(tensor.Shape{64}, tensor.Float32),
	}
	grads := optim.Params{
		"w": tensor.Full(tensor.Shape{256, 64}, 0.5),
		"b": tensor.Full(tensor.Shape{64}, -1),
	}
	cfg := optim.ScaleByFloraConfig{Tau: 4, Seed: 7, Kappa: 2}

	run := func() optim.Params {
		est := newEstimator(t, cfg)
		st := floraState(t, est, params)
		var out optim.Params
		var state optim.State = st
		for i := 0; i < 5; i++ {
			var err error
			out, state, err = est.Update(grads, state, params, nil)
			require.NoError(t, err)
		}
		return out
	}

	a, b := run(), run()
	for _, path := range []string{"w", "b"} {
		assert.Equal(t, a[path].AsFloat32(), b[path].AsFloat32(), "path %q differs across identical runs", path)
	}
}

func TestScaleByFloraDecompositionChoice(t *testing.T) {
	params := optim.Params{
		"big":   tensor.Zeros(tensor.Shape{256, 128}, tensor.Float32),
		"small": tensor.Zeros(tensor.Shape{16, 16}, tensor.Float32),
		"vec":   tensor.Zeros(tensor.Shape{4096}, tensor.Float32),
	}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1})
	st := floraState(t, est, params)

	require.IsType(t, &optim.Factored{}, st.Decompositions["big"])
	require.IsType(t, &optim.Naive{}, st.Decompositions["small"])
	require.IsType(t, &optim.Naive{}, st.Decompositions["vec"])

	fd := st.Decompositions["big"].(*optim.Factored)
	require.NotNil(t, fd.Left, "taller-than-wide parameter compresses on the left")
	assert.Nil(t, fd.Right)
	assert.True(t, fd.Left.Data.Shape().Equal(tensor.Shape{4, 256}))
}

func TestScaleByFloraShapePreservation(t *testing.T) {
	params := optim.Params{
		"big": tensor.Zeros(tensor.Shape{256, 128}, tensor.Float32),
		"vec": tensor.Zeros(tensor.Shape{64}, tensor.Float32),
	}
	grads := optim.Params{
		"big": tensor.Full(tensor.Shape{256, 128}, 1),
		"vec": tensor.Full(tensor.Shape{64}, 1),
	}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 3})
	st := floraState(t, est, params)

	out, _, err := est.Update(grads, st, params, nil)
	require.NoError(t, err)
	for path, p := range params {
		require.True(t, out[path].Shape().Equal(p.Shape()), "path %q: got %v", path, out[path].Shape())
		for _, v := range out[path].AsFloat32() {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
}

func TestScaleByFloraNaiveMatchesEMA(t *testing.T) {
	// Factorization disabled: the estimator must reduce to an exact
	// exponential moving average.
	const beta = 0.9
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{8, 8}, tensor.Float32)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Beta: beta, Tau: -1, Seed: 11})
	st := floraState(t, est, params)

	want := make([]float64, 64)
	for step := 0; step < 10; step++ {
		g := tensor.Full(tensor.Shape{8, 8}, float32(step)-2)
		for i := range want {
			want[i] = beta*want[i] + (1-beta)*float64(float32(step)-2)
		}
		next, err := est.UpdateState(optim.Params{"w": g}, st)
		require.NoError(t, err)
		st = next
	}

	got, err := est.Query(optim.Params{"w": tensor.Zeros(tensor.Shape{8, 8}, tensor.Float32)}, st)
	require.NoError(t, err)
	for i, v := range got["w"].AsFloat32() {
		require.InDelta(t, want[i], float64(v), 1e-5, "element %d", i)
	}
}

// projSnapshot copies the left projection matrix out of the state.
func projSnapshot(t *testing.T, st *optim.FloraState, out, tau int) []float32 {
	t.Helper()
	fd, ok := st.Decompositions["w"].(*optim.Factored)
	require.True(t, ok)
	require.NotNil(t, fd.Left)
	src := fd.Left.Proj.Matrix(out, tau, optim.DistNormal).AsFloat32()
	cp := make([]float32, len(src))
	copy(cp, src)
	return cp
}

func TestScaleByFloraRefreshCadence(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)}
	grads := optim.Params{"w": tensor.Full(tensor.Shape{256, 64}, 1)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 5, Kappa: 2})
	st := floraState(t, est, params)

	snaps := [][]float32{projSnapshot(t, st, 64, 4)}
	for step := 0; step < 5; step++ {
		next, err := est.UpdateState(grads, st)
		require.NoError(t, err)
		st = next
		snaps = append(snaps, projSnapshot(t, st, 64, 4))
	}

	// The step-0 refresh re-derives the init key, so the basis only
	// observably changes at the later refresh steps.
	assert.Equal(t, snaps[0], snaps[1], "step 0 refresh reproduces the init basis")
	assert.Equal(t, snaps[1], snaps[2], "partial step keeps the basis")
	assert.NotEqual(t, snaps[2], snaps[3], "step 2 refresh draws a new basis")
	assert.Equal(t, snaps[3], snaps[4], "partial step keeps the basis")
	assert.NotEqual(t, snaps[4], snaps[5], "step 4 refresh draws a new basis")
}

func TestScaleByFloraSeedOnly(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)}
	grads := optim.Params{"w": tensor.Full(tensor.Shape{256, 64}, 1)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 5, Kappa: 2, RNGOnly: true})
	st := floraState(t, est, params)

	side := func(st *optim.FloraState) optim.Projection {
		return st.Decompositions["w"].(*optim.Factored).Left.Proj
	}
	require.True(t, side(st).SeedOnly())
	k0 := side(st).Key()

	keys := []rng.Key{k0}
	for step := 0; step < 4; step++ {
		next, err := est.UpdateState(grads, st)
		require.NoError(t, err)
		st = next
		require.True(t, side(st).SeedOnly(), "projection stays seed-only after updates")
		keys = append(keys, side(st).Key())
	}

	// Refresh steps advance the stored key by exactly one Next; partial
	// steps leave it alone.
	assert.Equal(t, keys[0].Next(), keys[1])
	assert.Equal(t, keys[1], keys[2])
	assert.Equal(t, keys[2].Next(), keys[3])
	assert.Equal(t, keys[3], keys[4])

	// Regeneration still yields a usable estimate.
	out, err := est.Query(grads, st)
	require.NoError(t, err)
	require.True(t, out["w"].Shape().Equal(tensor.Shape{256, 64}))
}

// Reference linear algebra in float64, row-major.

func matmul64(a []float64, b []float64, m, k, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			av := a[i*k+l]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out[i*n+j] += av * b[l*n+j]
			}
		}
	}
	return out
}

func transpose64(a []float64, m, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[j*m+i] = a[i*n+j]
		}
	}
	return out
}

func normalMatrix64(key rng.Key, rows, cols int) []float64 {
	draws := key.NormalFloat64(rows * cols)
	scale := 1 / math.Sqrt(float64(min(rows, cols)))
	out := make([]float64, rows*cols)
	for i, d := range draws {
		out[i] = d * scale
	}
	return out
}

func TestScaleByFloraAgainstReference(t *testing.T) {
	const (
		in, out = 256, 64
		tau     = 4
		kappa   = 2
		beta    = 0.9
		seed    = 42
		steps   = 5
	)
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{in, out}, tensor.Float32)}
	grads := optim.Params{"w": tensor.Full(tensor.Shape{in, out}, 1)}

	est := newEstimator(t, optim.ScaleByFloraConfig{Beta: beta, Tau: tau, Seed: seed, Kappa: kappa})
	st := floraState(t, est, params)
	for step := 0; step < steps; step++ {
		next, err := est.UpdateState(grads, st)
		require.NoError(t, err)
		st = next
	}
	got, err := est.Query(grads, st)
	require.NoError(t, err)

	// Replay the same run in float64, deriving keys exactly as the
	// estimator does: one Split per sorted path from the per-step root,
	// then a left/right Split per parameter.
	gT := make([]float64, out*in)
	for i := range gT {
		gT[i] = 1
	}

	root := rng.NewKey(seed)
	_, sub := root.Split()
	initLKey, _ := sub.Split()
	proj := normalMatrix64(initLKey, out, tau)
	data := make([]float64, tau*in)

	cur := root
	for step := 0; step < steps; step++ {
		_, sub := cur.Split()
		lKey, _ := sub.Split()
		if step%kappa == 0 {
			np := normalMatrix64(lKey, out, tau)
			npT := transpose64(np, out, tau)
			inner := matmul64(npT, proj, tau, out, tau)
			hist := matmul64(inner, data, tau, tau, in)
			obs := matmul64(npT, gT, tau, out, in)
			for i := range data {
				data[i] = beta*hist[i] + (1-beta)*obs[i]
			}
			proj = np
		} else {
			pT := transpose64(proj, out, tau)
			obs := matmul64(pT, gT, tau, out, in)
			for i := range data {
				data[i] = beta*data[i] + (1-beta)*obs[i]
			}
		}
		cur = cur.Next()
	}

	recon := matmul64(proj, data, out, tau, in)
	want := transpose64(recon, out, in)

	gotData := got["w"].AsFloat32()
	require.Len(t, gotData, in*out)
	// float32 accumulation over the 256-long contractions cannot track
	// the float64 replay tighter than about 1e-4 absolute.
	for i := range want {
		if math.Abs(float64(gotData[i])-want[i]) > 1e-4 {
			t.Fatalf("element %d: got %v, want %v", i, gotData[i], want[i])
		}
	}
}

func TestScaleByFloraUpdateLookahead(t *testing.T) {
	// The transformation emits the blend of the pre-advance moment and
	// the fresh gradient, then advances: the first emitted update is
	// (1-beta)*g because the queried moment is still zero.
	const beta = 0.9
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)}
	grads := optim.Params{"w": tensor.Full(tensor.Shape{256, 64}, 2)}

	est := newEstimator(t, optim.ScaleByFloraConfig{Beta: beta, Tau: 4, Seed: 9, Kappa: 100})
	st := floraState(t, est, params)

	updates, _, err := est.Update(grads, st, params, nil)
	require.NoError(t, err)
	for _, v := range updates["w"].AsFloat32() {
		require.InDelta(t, (1-beta)*2, float64(v), 1e-6)
	}
}

func TestScaleByFloraRejectsBadInput(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{8}, tensor.Float32)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1})
	st := floraState(t, est, params)

	_, err := est.UpdateState(optim.Params{"other": tensor.Zeros(tensor.Shape{8}, tensor.Float32)}, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrMissingGradient)

	_, err = est.UpdateState(optim.Params{"w": tensor.Zeros(tensor.Shape{4}, tensor.Float32)}, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrShapeMismatch)

	_, _, err = est.Update(params, optim.EmptyState{}, params, nil)
	assert.ErrorIs(t, err, optim.ErrStateType)

	_, err = optim.ScaleByFlora(optim.ScaleByFloraConfig{Side: "sideways"})
	assert.ErrorIs(t, err, optim.ErrInvalidSide)
}

func TestScaleByFloraQueryRejectsBadGradient(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1})
	st := floraState(t, est, params)

	// Rank mismatch against a factored state.
	_, err := est.Query(optim.Params{"w": tensor.Zeros(tensor.Shape{256}, tensor.Float32)}, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrShapeMismatch)

	// Right rank, wrong size.
	_, err = est.Query(optim.Params{"w": tensor.Zeros(tensor.Shape{128, 64}, tensor.Float32)}, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrShapeMismatch)

	// The combined update queries before it advances and must fail the
	// same way.
	_, _, err = est.Update(optim.Params{"w": tensor.Zeros(tensor.Shape{256}, tensor.Float32)}, st, params, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrShapeMismatch)
}

func TestScaleByFloraQueryRejectsBadGradientSeedOnly(t *testing.T) {
	// In seed-only mode the projection is regenerated on demand, so a
	// wrong-size gradient must be caught before it shapes the
	// regeneration.
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{256, 64}, tensor.Float32)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1, RNGOnly: true})
	st := floraState(t, est, params)

	_, err := est.Query(optim.Params{"w": tensor.Zeros(tensor.Shape{128, 64}, tensor.Float32)}, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrShapeMismatch)
}

func TestScaleByFloraRejectsFloat64Gradients(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{8}, tensor.Float32)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1})
	st := floraState(t, est, params)

	g64 := optim.Params{"w": tensor.Zeros(tensor.Shape{8}, tensor.Float64)}
	_, err := est.UpdateState(g64, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrInvalidConfig)

	_, err = est.Query(g64, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrInvalidConfig)
}

func TestScaleByFloraRejectsFloat64Params(t *testing.T) {
	params := optim.Params{"w": tensor.Zeros(tensor.Shape{8}, tensor.Float64)}
	est := newEstimator(t, optim.ScaleByFloraConfig{Tau: 4, Seed: 1})
	_, err := est.Init(params)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrInvalidConfig)
}

func TestFloraAssemblerChain(t *testing.T) {
	base := optim.FloraConfig{LearningRate: optim.Constant(0.1), Seed: 1}

	chain, err := optim.Flora(base)
	require.NoError(t, err)
	assert.Equal(t, 6, chain.Len())

	withDecay := base
	withDecay.WeightDecay = optim.Constant(0.01)
	chain, err = optim.Flora(withDecay)
	require.NoError(t, err)
	assert.Equal(t, 7, chain.Len())

	noClip := base
	noClip.ClippingThreshold = -1
	chain, err = optim.Flora(noClip)
	require.NoError(t, err)
	assert.Equal(t, 5, chain.Len())

	_, err = optim.Flora(optim.FloraConfig{Seed: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrInvalidConfig)
}

func TestFloraOptimizerFirstStep(t *testing.T) {
	// With a constant gradient the whole chain is analytic on step one:
	// momentum emits (1-beta1)*g, the factored RMS rescales that to
	// |g|-units (value 0.1), the learning rate and parameter scale each
	// contribute their factors, and the final stage negates.
	chain, err := optim.Flora(optim.FloraConfig{LearningRate: optim.Constant(0.1), Seed: 1})
	require.NoError(t, err)

	params := optim.Params{
		"w": tensor.Full(tensor.Shape{256, 64}, 1),
		"b": tensor.Full(tensor.Shape{64}, 1),
	}
	grads := optim.Params{
		"w": tensor.Full(tensor.Shape{256, 64}, 0.1),
		"b": tensor.Full(tensor.Shape{64}, 0.1),
	}
	state, err := chain.Init(params)
	require.NoError(t, err)

	out, _, err := chain.Update(grads, state, params, nil)
	require.NoError(t, err)
	for _, path := range []string{"w", "b"} {
		for _, v := range out[path].AsFloat32() {
			require.InDelta(t, -0.01, float64(v), 1e-4, "path %q", path)
		}
	}
}

func TestFloraOptimizerTrajectoryIsDeterministic(t *testing.T) {
	cfg := optim.FloraConfig{LearningRate: optim.Constant(0.05), Seed: 13, Kappa: 2}
	params := optim.Params{"w": tensor.Full(tensor.Shape{256, 64}, 1)}

	run := func() []float32 {
		chain, err := optim.Flora(cfg)
		require.NoError(t, err)
		state, err := chain.Init(params)
		require.NoError(t, err)

		var out optim.Params
		for i := 0; i < 4; i++ {
			grads := optim.Params{"w": tensor.Full(tensor.Shape{256, 64}, float32(i+1))}
			var err error
			out, state, err = chain.Update(grads, state, params, nil)
			require.NoError(t, err)
		}
		return out["w"].AsFloat32()
	}

	assert.Equal(t, run(), run())
}
