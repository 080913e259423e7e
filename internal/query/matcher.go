package query

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// Matcher evaluates a compiled predicate against in-memory record
// documents. Matchers are safe for concurrent use.
type Matcher struct {
	prg cel.Program
}

// NewMatcher compiles the predicate into a CEL program.
func NewMatcher(p *Predicate) (*Matcher, error) {
	e, err := env()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, iss := e.Compile(p.CEL())
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearchPattern, iss.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL program: %w", err)
	}
	return &Matcher{prg: prg}, nil
}

// Match reports whether the document satisfies the predicate.
func (m *Matcher) Match(doc map[string]any) (bool, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	out, _, err := m.prg.Eval(map[string]any{"doc": doc})
	if err != nil {
		return false, fmt.Errorf("predicate evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not evaluate to bool, got %T", out.Value())
	}
	return b, nil
}
