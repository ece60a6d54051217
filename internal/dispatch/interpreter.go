package dispatch

import "context"

// Interpreter is the catch-all collaborator behind the last tier. It may
// consult broader context or capabilities to decide what an unrecognized
// action means. Implementations live outside this package.
type Interpreter interface {
	Interpret(ctx context.Context, req Request) (Decision, error)
}

// InterpreterTier is the final dispatch tier. With no interpreter
// configured it delegates, which ends the chain in ExhaustedError rather
// than guessing.
type InterpreterTier struct {
	interp Interpreter
}

// NewInterpreterTier creates an InterpreterTier; interp may be nil.
func NewInterpreterTier(interp Interpreter) *InterpreterTier {
	return &InterpreterTier{interp: interp}
}

// Name implements Tier.
func (t *InterpreterTier) Name() string { return "interpreter" }

// Dispatch forwards to the interpreter when one is configured.
func (t *InterpreterTier) Dispatch(ctx context.Context, req Request) (Decision, error) {
	if t.interp == nil {
		return Delegate("no interpreter configured"), nil
	}
	return t.interp.Interpret(ctx, req)
}
