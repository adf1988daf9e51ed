package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELPredicate evaluates one CEL boolean expression per message kind,
// compiling each expression once and caching the resulting program.
// Grounded on pkg/governance/policy_evaluator_cel.go's
// compile-once-and-cache discipline (double-checked locking around a
// map[string]cel.Program), generalized from a single hardcoded rule set
// to a per-Kind rule table supplied by the operator.
type CELPredicate struct {
	env   *cel.Env
	mu    sync.RWMutex
	progs map[string]cel.Program

	// Rules maps a message Kind (as its string value) to the CEL
	// expression gating it. A kind with no rule is denied (fail-closed).
	Rules map[string]string
}

// NewCELPredicate builds the CEL environment used to evaluate every
// rule: "ctx" is the policy context as a dynamic map (transaction_id,
// from, local_did, kind, body).
func NewCELPredicate(rules map[string]string) (*CELPredicate, error) {
	env, err := cel.NewEnv(cel.Variable("ctx", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("fsm: cel env: %w", err)
	}
	return &CELPredicate{env: env, progs: make(map[string]cel.Program), Rules: rules}, nil
}

func (p *CELPredicate) Allow(ctx context.Context, pc PolicyContext) (bool, error) {
	expr, ok := p.Rules[string(pc.Kind)]
	if !ok {
		return false, nil
	}

	prog, err := p.program(expr)
	if err != nil {
		return false, err
	}

	bodyJSON, err := json.Marshal(pc.Body)
	if err != nil {
		return false, fmt.Errorf("fsm: cel: marshal body: %w", err)
	}
	var bodyMap map[string]interface{}
	_ = json.Unmarshal(bodyJSON, &bodyMap)

	input := map[string]interface{}{
		"ctx": map[string]interface{}{
			"transaction_id": pc.TransactionID,
			"from":           pc.From,
			"local_did":      pc.LocalDID,
			"kind":           string(pc.Kind),
			"body":           bodyMap,
		},
	}

	out, _, err := prog.Eval(input)
	if err != nil {
		return false, fmt.Errorf("fsm: cel: eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("fsm: cel: rule for %s did not evaluate to bool", pc.Kind)
	}
	return allowed, nil
}

func (p *CELPredicate) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prog, hit := p.progs[expr]
	p.mu.RUnlock()
	if hit {
		return prog, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, hit := p.progs[expr]; hit {
		return prog, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("fsm: cel: compile %q: %w", expr, issues.Err())
	}
	prg, err := p.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("fsm: cel: program %q: %w", expr, err)
	}
	p.progs[expr] = prg
	return prg, nil
}
