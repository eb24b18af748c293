package optim

import "fmt"

// ChainState is the combined state of a Chain: one opaque state per
// stage, index-aligned with the stage list the chain was built from.
type ChainState []State

// Chain composes an ordered sequence of transformations into one
// transformation with combined init and update. The running updates
// flow through the stages in order; each stage's state stays isolated
// in the index-aligned ChainState tuple.
type Chain struct {
	transforms []Transformation
}

// NewChain builds a chain from an ordered stage list.
func NewChain(transforms ...Transformation) *Chain {
	return &Chain{transforms: transforms}
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	return len(c.transforms)
}

// Init allocates every stage's state. The returned State is a
// ChainState of the same length as the stage list.
func (c *Chain) Init(params Params) (State, error) {
	states := make(ChainState, 0, len(c.transforms))
	for i, tr := range c.transforms {
		s, err := tr.Init(params)
		if err != nil {
			return nil, fmt.Errorf("chain stage %d: %w", i, err)
		}
		states = append(states, s)
	}
	return states, nil
}

// Update threads the gradients through every stage in order.
//
// The first stage receives the raw gradients as its updates input;
// each later stage receives the previous stage's output. ctx may be
// nil, in which case a context carrying the raw gradients is created
// so that moment-tracking stages past the first still see them.
// Calling Update with a state that did not come from Init (wrong type
// or wrong arity) is a configuration error.
func (c *Chain) Update(grads Params, state State, params Params, ctx *Context) (Params, State, error) {
	states, ok := state.(ChainState)
	if !ok {
		return nil, nil, fmt.Errorf("%w: chain wants ChainState, got %T", ErrStateType, state)
	}
	if len(states) != len(c.transforms) {
		return nil, nil, fmt.Errorf("%w: %d transformations, %d states", ErrStateArity, len(c.transforms), len(states))
	}
	if ctx == nil {
		ctx = &Context{Grads: grads}
	} else if ctx.Grads == nil {
		ctx.Grads = grads
	}

	updates := grads
	newStates := make(ChainState, 0, len(states))
	for i, tr := range c.transforms {
		var (
			s   State
			err error
		)
		updates, s, err = tr.Update(updates, states[i], params, ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("chain stage %d: %w", i, err)
		}
		newStates = append(newStates, s)
	}
	return updates, newStates, nil
}
