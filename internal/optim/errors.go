package optim

import "errors"

// Configuration errors. All of these indicate caller misconfiguration;
// they are returned immediately and never retried.
var (
	ErrStateArity      = errors.New("transformation and state counts differ: call Init before Update")
	ErrStateType       = errors.New("unexpected state type for transformation")
	ErrShapeMismatch   = errors.New("gradient shape does not match optimizer state")
	ErrMissingGradient = errors.New("gradient tree does not match parameter tree")
	ErrInvalidSide     = errors.New(`side must be "left", "right", "both", or "auto"`)
	ErrParamsRequired  = errors.New("transformation requires parameter values")
	ErrInvalidConfig   = errors.New("invalid optimizer configuration")
)
