package optim

import "fmt"

// AdafactorConfig configures the plain (non-compressed) Adafactor
// chain.
type AdafactorConfig struct {
	// LearningRate is optional; when nil no learning-rate stage is
	// added and the caller scales externally.
	LearningRate Schedule

	MinDimSizeToFactor int     // default 128
	DecayRate          float32 // second-moment decay exponent, default 0.8
	DecayOffset        int

	// MultiplyByParameterScale defaults to true when nil.
	MultiplyByParameterScale *bool

	// ClippingThreshold: 0 means the default of 1.0, negative disables.
	ClippingThreshold float32

	// Momentum enables a leading EMA stage when positive.
	Momentum float32

	// WeightDecayRate enables decoupled weight decay when non-nil.
	WeightDecayRate Schedule

	Eps float32 // default 1e-30

	// Factored keeps the second moment factored. Defaults to true
	// when nil.
	Factored *bool

	// Sign replaces the second-moment scaling with a sign step.
	Sign bool
}

// Adafactor assembles the Adafactor optimizer: optional momentum, the
// second-moment scaling (or a sign step), clipping, learning rate,
// parameter scale, weight decay, and the final negation.
func Adafactor(cfg AdafactorConfig) (*Chain, error) {
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("%w: momentum %v outside [0, 1)", ErrInvalidConfig, cfg.Momentum)
	}
	if cfg.MinDimSizeToFactor == 0 {
		cfg.MinDimSizeToFactor = 128
	}
	if cfg.DecayRate == 0 {
		cfg.DecayRate = 0.8
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-30
	}
	clip := cfg.ClippingThreshold
	if clip == 0 {
		clip = 1.0
	}

	var ts []Transformation
	if cfg.Momentum > 0 {
		ts = append(ts, EMA(cfg.Momentum))
	}
	if cfg.Sign {
		ts = append(ts, ScaleBySign())
	} else {
		ts = append(ts, ScaleByFactoredRMS(FactoredRMSConfig{
			Factored:           boolOrDefault(cfg.Factored, true),
			DecayRate:          cfg.DecayRate,
			DecayOffset:        cfg.DecayOffset,
			MinDimSizeToFactor: cfg.MinDimSizeToFactor,
			Eps:                cfg.Eps,
		}))
	}
	if clip > 0 {
		ts = append(ts, ClipByBlockRMS(clip))
	}
	if cfg.LearningRate != nil {
		ts = append(ts, ScaleByLearningRate(cfg.LearningRate, false))
	}
	if boolOrDefault(cfg.MultiplyByParameterScale, true) {
		ts = append(ts, ScaleByParamBlockRMS(0))
	}
	if cfg.WeightDecayRate != nil {
		ts = append(ts, AddDecayedWeights(cfg.WeightDecayRate))
	}
	ts = append(ts, Scale(-1))

	return NewChain(ts...), nil
}
