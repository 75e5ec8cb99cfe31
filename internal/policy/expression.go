package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// expressions compiles and caches CEL programs keyed by source text.
type expressions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newExpressions() (*expressions, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("trust_score", cel.IntType),
		cel.Variable("mfa", cel.BoolType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &expressions{env: env, cache: make(map[string]cel.Program)}, nil
}

func (x *expressions) program(expr string) (cel.Program, error) {
	x.mu.RLock()
	prg, hit := x.cache[expr]
	x.mu.RUnlock()
	if hit {
		return prg, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if prg, hit = x.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := x.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}
	prg, err := x.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	x.cache[expr] = prg
	return prg, nil
}

func (x *expressions) eval(expr string, ec EvalContext, at time.Time) (bool, error) {
	prg, err := x.program(expr)
	if err != nil {
		return false, err
	}
	attrs := ec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	roles := ec.Roles
	if roles == nil {
		roles = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":       ec.ActorID,
		"roles":       roles,
		"resource":    ec.Resource,
		"action":      ec.Action,
		"trust_score": int64(ec.TrustScore),
		"mfa":         ec.MFAVerified,
		"ip":          ec.IP,
		"device":      ec.DeviceFingerprint,
		"hour":        int64(at.UTC().Hour()),
		"weekday":     int64(at.UTC().Weekday()),
		"attributes":  attrs,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result not boolean")
	}
	return allowed, nil
}
