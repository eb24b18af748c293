package optim

import (
	"fmt"

	"github.com/flora-ml/flora/internal/rng"
	"github.com/flora-ml/flora/internal/tensor"
)

// FloraState is the state of the compressed first-moment estimator.
// Step and RNG advance by one per update; Decompositions are replaced
// by a new snapshot every call. The caller owns the state value: the
// estimator never retains references across calls.
type FloraState struct {
	Step           int
	Decompositions map[string]Decomposition
	RNG            rng.Key
}

// ScaleByFloraConfig configures the compressed first-moment
// transformation. Seed is an explicit required input; there is no
// hidden default.
type ScaleByFloraConfig struct {
	Beta               float32 // decay rate, default 0.9
	Tau                int     // projection rank; <= 0 disables factorization
	Seed               uint64
	Kappa              int  // projection refresh period, default 1000
	RNGOnly            bool // store projections as seeds, regenerate on demand
	MinDimSizeToFactor int  // default 128
	MaxAspectRatio     int  // default 16
	Side               Side // default auto
	Dist               ProjectionDist
}

// FloraEstimator maintains a compressed exponential moving average of
// gradients. Large 2-D tensors are tracked through a rank-Tau random
// projection whose basis is regenerated every Kappa steps; everything
// else keeps an exact buffer.
type FloraEstimator struct {
	beta    float32
	tau     int
	seed    uint64
	kappa   int
	rngOnly bool
	dist    ProjectionDist
	policy  FactorizationPolicy
}

// ScaleByFlora builds the compressed first-moment transformation.
func ScaleByFlora(cfg ScaleByFloraConfig) (*FloraEstimator, error) {
	if err := cfg.Side.Validate(); err != nil {
		return nil, err
	}
	if cfg.Beta == 0 {
		cfg.Beta = 0.9
	}
	if cfg.Kappa == 0 {
		cfg.Kappa = 1000
	}
	if cfg.MinDimSizeToFactor == 0 {
		cfg.MinDimSizeToFactor = 128
	}
	if cfg.MaxAspectRatio == 0 {
		cfg.MaxAspectRatio = 16
	}
	side := cfg.Side
	if side == "" {
		side = SideAuto
	}
	return &FloraEstimator{
		beta:    cfg.Beta,
		tau:     cfg.Tau,
		seed:    cfg.Seed,
		kappa:   cfg.Kappa,
		rngOnly: cfg.RNGOnly,
		dist:    cfg.Dist,
		policy: FactorizationPolicy{
			Factored:           cfg.Tau > 0,
			MinDimSizeToFactor: cfg.MinDimSizeToFactor,
			MaxAspectRatio:     cfg.MaxAspectRatio,
			Side:               side,
		},
	}, nil
}

// splitLikeTree derives one sub-key per path in sorted order, so the
// derivation is a pure function of the root key and the path set.
func splitLikeTree(root rng.Key, paths []string) map[string]rng.Key {
	keys := make(map[string]rng.Key, len(paths))
	cur := root
	for _, p := range paths {
		var sub rng.Key
		cur, sub = cur.Split()
		keys[p] = sub
	}
	return keys
}

func (f *FloraEstimator) newProjection(key rng.Key, rows, cols int) Projection {
	if f.rngOnly {
		return NewSeedOnly(key)
	}
	return NewMaterialized(randomMatrix(key, rows, cols, f.dist))
}

// Init allocates a zero moment estimate for every parameter, deciding
// once per tensor whether it is kept factored and on which side.
func (f *FloraEstimator) Init(params Params) (State, error) {
	root := rng.NewKey(f.seed)
	paths := sortedPaths(params)
	keys := splitLikeTree(root, paths)

	decs := make(map[string]Decomposition, len(params))
	for _, path := range paths {
		p := params[path]
		if p.DType() != tensor.Float32 {
			return nil, fmt.Errorf("%w: parameter %q has dtype %s, moment estimator tracks float32", ErrInvalidConfig, path, p.DType())
		}
		if !f.policy.ShouldFactorize(p.Shape()) {
			decs[path] = &Naive{Data: tensor.Zeros(p.Shape(), tensor.Float32)}
			continue
		}

		in, out := p.Shape()[0], p.Shape()[1]
		side := f.policy.ResolveSide(p.Shape())
		lKey, rKey := keys[path].Split()
		fd := &Factored{}
		if side != SideRight {
			fd.Left = &FactorSide{
				Proj: f.newProjection(lKey, out, f.tau),
				Data: tensor.Zeros(tensor.Shape{f.tau, in}, tensor.Float32),
			}
		}
		if side != SideLeft {
			fd.Right = &FactorSide{
				Proj: f.newProjection(rKey, f.tau, in),
				Data: tensor.Zeros(tensor.Shape{out, f.tau}, tensor.Float32),
			}
		}
		decs[path] = fd
	}

	return &FloraState{Step: 0, Decompositions: decs, RNG: root}, nil
}

// UpdateState folds a gradient tree into the moment estimate and
// advances step and rng. Whether this step refreshes the projection
// bases is decided here, once, from the caller-visible step counter;
// the per-tensor update is a pure function of that boolean.
func (f *FloraEstimator) UpdateState(grads Params, st *FloraState) (*FloraState, error) {
	if len(grads) != len(st.Decompositions) {
		return nil, fmt.Errorf("%w: %d gradients for %d tracked parameters", ErrMissingGradient, len(grads), len(st.Decompositions))
	}
	paths := sortedPaths(grads)
	keys := splitLikeTree(st.RNG, paths)
	refresh := st.Step%f.kappa == 0

	decs := make(map[string]Decomposition, len(paths))
	for _, path := range paths {
		d, ok := st.Decompositions[path]
		if !ok {
			return nil, fmt.Errorf("%w: gradient for untracked parameter %q", ErrMissingGradient, path)
		}
		if dt := grads[path].DType(); dt != tensor.Float32 {
			return nil, fmt.Errorf("%w: gradient %q has dtype %s, moment estimator tracks float32", ErrInvalidConfig, path, dt)
		}
		nd, err := f.updateDecomposition(grads[path], d, keys[path], refresh)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", path, err)
		}
		decs[path] = nd
	}

	return &FloraState{
		Step:           st.Step + 1,
		Decompositions: decs,
		RNG:            st.RNG.Next(),
	}, nil
}

// updateDecomposition advances one tensor's moment estimate. refresh
// selects between the full-refresh path (new projection basis, history
// re-projected through it) and the cheap data-only path.
func (f *FloraEstimator) updateDecomposition(g *tensor.RawTensor, d Decomposition, key rng.Key, refresh bool) (Decomposition, error) {
	switch dec := d.(type) {
	case *Naive:
		if !g.Shape().Equal(dec.Data.Shape()) {
			return nil, fmt.Errorf("%w: state %v, gradient %v", ErrShapeMismatch, dec.Data.Shape(), g.Shape())
		}
		return &Naive{Data: ewma(dec.Data, g, f.beta)}, nil

	case *Factored:
		if len(g.Shape()) != 2 {
			return nil, fmt.Errorf("%w: factored state for gradient of shape %v", ErrShapeMismatch, g.Shape())
		}
		in, out := g.Shape()[0], g.Shape()[1]
		lKey, rKey := key.Split()
		nf := &Factored{}
		if dec.Left != nil {
			side, err := f.updateLeft(g, dec.Left, lKey, refresh, in, out)
			if err != nil {
				return nil, err
			}
			nf.Left = side
		}
		if dec.Right != nil {
			side, err := f.updateRight(g, dec.Right, rKey, refresh, in, out)
			if err != nil {
				return nil, err
			}
			nf.Right = side
		}
		return nf, nil

	default:
		return nil, fmt.Errorf("%w: unknown decomposition %T", ErrStateType, d)
	}
}

// refreshKey picks the key the new projection is drawn from. Seed-only
// projections advance their own stored key; materialized ones take the
// fresh per-step tree key.
func (f *FloraEstimator) refreshKey(p Projection, treeKey rng.Key) rng.Key {
	if f.rngOnly {
		return p.Key().Next()
	}
	return treeKey
}

func (f *FloraEstimator) updateLeft(g *tensor.RawTensor, side *FactorSide, treeKey rng.Key, refresh bool, in, out int) (*FactorSide, error) {
	if !side.Data.Shape().Equal(tensor.Shape{f.tau, in}) {
		return nil, fmt.Errorf("%w: left data %v for gradient %v", ErrShapeMismatch, side.Data.Shape(), g.Shape())
	}
	gT, err := tensor.Transpose(g)
	if err != nil {
		return nil, err
	}

	if !refresh {
		// Basis stays fixed: fold the new observation into the
		// compressed data only.
		proj := side.Proj.Matrix(out, f.tau, f.dist)
		pT, err := tensor.Transpose(proj)
		if err != nil {
			return nil, err
		}
		obs, err := tensor.MatMul(pT, gT)
		if err != nil {
			return nil, err
		}
		return &FactorSide{Proj: side.Proj, Data: ewma(side.Data, obs, f.beta)}, nil
	}

	oldProj := side.Proj.Matrix(out, f.tau, f.dist)
	newKey := f.refreshKey(side.Proj, treeKey)
	newProj := randomMatrix(newKey, out, f.tau, f.dist)

	// Re-base: carry the decayed history through old and new bases.
	// The rank x rank inner product goes first to keep the cost at
	// O(tau * out * in) instead of materializing a full-size product.
	npT, err := tensor.Transpose(newProj)
	if err != nil {
		return nil, err
	}
	inner, err := tensor.MatMul(npT, oldProj)
	if err != nil {
		return nil, err
	}
	history, err := tensor.MatMul(inner, side.Data)
	if err != nil {
		return nil, err
	}
	obs, err := tensor.MatMul(npT, gT)
	if err != nil {
		return nil, err
	}

	proj := NewMaterialized(newProj)
	if f.rngOnly {
		proj = NewSeedOnly(newKey)
	}
	return &FactorSide{Proj: proj, Data: ewma(history, obs, f.beta)}, nil
}

func (f *FloraEstimator) updateRight(g *tensor.RawTensor, side *FactorSide, treeKey rng.Key, refresh bool, in, out int) (*FactorSide, error) {
	if !side.Data.Shape().Equal(tensor.Shape{out, f.tau}) {
		return nil, fmt.Errorf("%w: right data %v for gradient %v", ErrShapeMismatch, side.Data.Shape(), g.Shape())
	}
	gT, err := tensor.Transpose(g)
	if err != nil {
		return nil, err
	}

	if !refresh {
		proj := side.Proj.Matrix(f.tau, in, f.dist)
		pT, err := tensor.Transpose(proj)
		if err != nil {
			return nil, err
		}
		obs, err := tensor.MatMul(gT, pT)
		if err != nil {
			return nil, err
		}
		return &FactorSide{Proj: side.Proj, Data: ewma(side.Data, obs, f.beta)}, nil
	}

	oldProj := side.Proj.Matrix(f.tau, in, f.dist)
	newKey := f.refreshKey(side.Proj, treeKey)
	newProj := randomMatrix(newKey, f.tau, in, f.dist)

	npT, err := tensor.Transpose(newProj)
	if err != nil {
		return nil, err
	}
	inner, err := tensor.MatMul(oldProj, npT)
	if err != nil {
		return nil, err
	}
	history, err := tensor.MatMul(side.Data, inner)
	if err != nil {
		return nil, err
	}
	obs, err := tensor.MatMul(gT, npT)
	if err != nil {
		return nil, err
	}

	proj := NewMaterialized(newProj)
	if f.rngOnly {
		proj = NewSeedOnly(newKey)
	}
	return &FactorSide{Proj: proj, Data: ewma(history, obs, f.beta)}, nil
}

// Query reconstructs an effective full-shape moment estimate for every
// tensor without touching the state. The returned tensors alias state
// buffers for Naive entries and must not be mutated.
func (f *FloraEstimator) Query(grads Params, st *FloraState) (Params, error) {
	out := make(Params, len(grads))
	for _, path := range sortedPaths(grads) {
		g := grads[path]
		d, ok := st.Decompositions[path]
		if !ok {
			return nil, fmt.Errorf("%w: query for untracked parameter %q", ErrMissingGradient, path)
		}
		if dt := g.DType(); dt != tensor.Float32 {
			return nil, fmt.Errorf("%w: gradient %q has dtype %s, moment estimator tracks float32", ErrInvalidConfig, path, dt)
		}
		m, err := f.queryDecomposition(g, d)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", path, err)
		}
		out[path] = m
	}
	return out, nil
}

func (f *FloraEstimator) queryDecomposition(g *tensor.RawTensor, d Decomposition) (*tensor.RawTensor, error) {
	switch dec := d.(type) {
	case *Naive:
		if !g.Shape().Equal(dec.Data.Shape()) {
			return nil, fmt.Errorf("%w: state %v, gradient %v", ErrShapeMismatch, dec.Data.Shape(), g.Shape())
		}
		return dec.Data, nil

	case *Factored:
		if len(g.Shape()) != 2 {
			return nil, fmt.Errorf("%w: factored state for gradient of shape %v", ErrShapeMismatch, g.Shape())
		}
		in, out := g.Shape()[0], g.Shape()[1]
		if dec.Left != nil && !dec.Left.Data.Shape().Equal(tensor.Shape{f.tau, in}) {
			return nil, fmt.Errorf("%w: left data %v for gradient %v", ErrShapeMismatch, dec.Left.Data.Shape(), g.Shape())
		}
		if dec.Right != nil && !dec.Right.Data.Shape().Equal(tensor.Shape{out, f.tau}) {
			return nil, fmt.Errorf("%w: right data %v for gradient %v", ErrShapeMismatch, dec.Right.Data.Shape(), g.Shape())
		}
		var left, right *tensor.RawTensor
		var err error
		if dec.Left != nil {
			proj := dec.Left.Proj.Matrix(out, f.tau, f.dist)
			left, err = tensor.MatMul(proj, dec.Left.Data) // (out, in)
			if err != nil {
				return nil, err
			}
		}
		if dec.Right != nil {
			proj := dec.Right.Proj.Matrix(f.tau, in, f.dist)
			right, err = tensor.MatMul(dec.Right.Data, proj) // (out, in)
			if err != nil {
				return nil, err
			}
		}

		switch {
		case left != nil && right != nil:
			l, r := left.AsFloat32(), right.AsFloat32()
			for i := range l {
				l[i] = (l[i] + r[i]) / 2
			}
			return tensor.Transpose(left)
		case left != nil:
			return tensor.Transpose(left)
		case right != nil:
			return tensor.Transpose(right)
		default:
			return nil, fmt.Errorf("%w: factored decomposition with no populated side", ErrStateType)
		}

	default:
		return nil, fmt.Errorf("%w: unknown decomposition %T", ErrStateType, d)
	}
}

// Update implements Transformation: it queries the moment from the
// current, not-yet-advanced state, blends the stale-by-one estimate
// with the fresh gradient, then advances the state. The lookahead
// ordering is deliberate and load-bearing: the emitted update reads the
// previous step's subspace before this gradient re-bases it.
func (f *FloraEstimator) Update(updates Params, state State, params Params, ctx *Context) (Params, State, error) {
	st, ok := state.(*FloraState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: scale_by_flora wants *FloraState, got %T", ErrStateType, state)
	}
	grads := updates

	moment, err := f.Query(grads, st)
	if err != nil {
		return nil, nil, err
	}
	blended := make(Params, len(grads))
	for _, path := range sortedPaths(grads) {
		blended[path] = ewma(moment[path], grads[path], f.beta)
	}

	newState, err := f.UpdateState(grads, st)
	if err != nil {
		return nil, nil, err
	}
	return blended, newState, nil
}

// FloraConfig configures the full Flora optimizer chain.
type FloraConfig struct {
	// LearningRate is required; use Constant for a fixed rate.
	LearningRate Schedule

	Beta1 float32 // first-moment decay, default 0.9
	Beta2 float32 // second-moment decay, default 0.99

	// Tau is the projection rank: 0 means the default of 4, negative
	// disables factorization of the first moment entirely.
	Tau int

	// Seed drives all projection randomness. It must be chosen at the
	// call site; the library bakes in no default stream.
	Seed uint64

	Kappa int // projection refresh period, default 1000

	// ClippingThreshold for block-RMS clipping: 0 means the default of
	// 1.0, negative disables the stage.
	ClippingThreshold float32

	// MultiplyByParameterScale scales updates by the parameter block
	// RMS. Defaults to true when nil.
	MultiplyByParameterScale *bool

	// WeightDecay enables decoupled weight decay when non-nil.
	WeightDecay Schedule

	Eps                float32 // second-moment floor, default 1e-30
	RNGOnly            bool
	MinDimSizeToFactor int // default 128

	// FactorizedSecondMoment keeps the second moment factored as well.
	// Defaults to true when nil.
	FactorizedSecondMoment *bool

	Side Side // default auto
	Dist ProjectionDist
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Flora assembles the Flora optimizer: compressed momentum, factored
// RMS scaling, clipping, learning rate, parameter scale, weight decay,
// and the final descent-direction negation, chained in that order.
func Flora(cfg FloraConfig) (*Chain, error) {
	if cfg.LearningRate == nil {
		return nil, fmt.Errorf("%w: learning rate is required", ErrInvalidConfig)
	}
	if err := cfg.Side.Validate(); err != nil {
		return nil, err
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.99
	}
	tau := cfg.Tau
	if tau == 0 {
		tau = 4
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-30
	}
	if cfg.MinDimSizeToFactor == 0 {
		cfg.MinDimSizeToFactor = 128
	}
	clip := cfg.ClippingThreshold
	if clip == 0 {
		clip = 1.0
	}

	flora, err := ScaleByFlora(ScaleByFloraConfig{
		Beta:               cfg.Beta1,
		Tau:                tau,
		Seed:               cfg.Seed,
		Kappa:              cfg.Kappa,
		RNGOnly:            cfg.RNGOnly,
		MinDimSizeToFactor: cfg.MinDimSizeToFactor,
		Side:               cfg.Side,
		Dist:               cfg.Dist,
	})
	if err != nil {
		return nil, err
	}

	ts := []Transformation{
		flora,
		ScaleByFactoredRMS(FactoredRMSConfig{
			Factored:           boolOrDefault(cfg.FactorizedSecondMoment, true),
			DecayRate:          cfg.Beta2,
			Eps:                cfg.Eps,
			MinDimSizeToFactor: cfg.MinDimSizeToFactor,
		}),
	}
	if clip > 0 {
		ts = append(ts, ClipByBlockRMS(clip))
	}
	ts = append(ts, ScaleByLearningRate(cfg.LearningRate, false))
	if boolOrDefault(cfg.MultiplyByParameterScale, true) {
		ts = append(ts, ScaleByParamBlockRMS(0))
	}
	if cfg.WeightDecay != nil {
		ts = append(ts, AddDecayedWeights(cfg.WeightDecay))
	}
	ts = append(ts, Scale(-1))

	return NewChain(ts...), nil
}
