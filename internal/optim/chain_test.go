package optim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flora-ml/flora/internal/optim"
	"github.com/flora-ml/flora/internal/tensor"
)

func singleParam(t *testing.T, vals []float32, shape tensor.Shape) optim.Params {
	t.Helper()
	raw, err := tensor.FromFloat32(vals, shape)
	require.NoError(t, err)
	return optim.Params{"w": raw}
}

func TestChainInitArity(t *testing.T) {
	chain := optim.NewChain(optim.Scale(2), optim.Identity(), optim.Scale(-1))
	params := singleParam(t, []float32{1}, tensor.Shape{1})

	state, err := chain.Init(params)
	require.NoError(t, err)

	cs, ok := state.(optim.ChainState)
	require.True(t, ok)
	assert.Len(t, cs, 3, "one state per transform, index-aligned")
}

func TestChainUpdateThreadsStages(t *testing.T) {
	chain := optim.NewChain(optim.Scale(2), optim.Scale(3))
	params := singleParam(t, []float32{1, -1}, tensor.Shape{2})
	grads := singleParam(t, []float32{1, -2}, tensor.Shape{2})

	state, err := chain.Init(params)
	require.NoError(t, err)

	updates, newState, err := chain.Update(grads, state, params, nil)
	require.NoError(t, err)
	require.Len(t, newState.(optim.ChainState), 2)

	got := updates["w"].AsFloat32()
	assert.InDelta(t, 6.0, got[0], 1e-6, "stages compose in order")
	assert.InDelta(t, -12.0, got[1], 1e-6)
}

func TestChainRejectsWrongArity(t *testing.T) {
	chain := optim.NewChain(optim.Scale(2), optim.Scale(3))
	params := singleParam(t, []float32{1}, tensor.Shape{1})

	state, err := chain.Init(params)
	require.NoError(t, err)

	// Truncated state tuple must fail loudly, not be padded.
	short := state.(optim.ChainState)[:1]
	_, _, err = chain.Update(params, short, params, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrStateArity)

	long := append(state.(optim.ChainState), optim.EmptyState{})
	_, _, err = chain.Update(params, long, params, nil)
	assert.ErrorIs(t, err, optim.ErrStateArity)
}

func TestChainRejectsUninitialized(t *testing.T) {
	chain := optim.NewChain(optim.Scale(2))
	params := singleParam(t, []float32{1}, tensor.Shape{1})

	_, _, err := chain.Update(params, nil, params, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optim.ErrStateType)
}

func TestChainForwardsGradsInContext(t *testing.T) {
	// A stage past the first still sees the raw gradients through the
	// context: interp blends them back into the running updates.
	chain := optim.NewChain(optim.Scale(10), optim.ScaleByInterp(0.5, nil))
	params := singleParam(t, []float32{0}, tensor.Shape{1})
	grads := singleParam(t, []float32{2}, tensor.Shape{1})

	state, err := chain.Init(params)
	require.NoError(t, err)

	updates, _, err := chain.Update(grads, state, params, nil)
	require.NoError(t, err)

	// 0.5*(10*2) + 0.5*2 = 11
	assert.InDelta(t, 11.0, updates["w"].AsFloat32()[0], 1e-6)
}
