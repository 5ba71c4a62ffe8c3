package approval

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/meridianhealth/researchflow/common/state"
)

// TimeoutPolicy decides what happens when a pending approval passes its SLA
// deadline: escalate straight to human review, or route the timeout as a
// rejection (loop-back, caps enforced). The policy is a CEL expression over
// `approval` and `workflow`; an empty expression means never escalate.
type TimeoutPolicy struct {
	expr string

	mu      sync.Mutex
	program cel.Program
}

// NewTimeoutPolicy compiles the policy expression. An empty expression is
// valid and always routes timeouts as rejections.
func NewTimeoutPolicy(expr string) (*TimeoutPolicy, error) {
	p := &TimeoutPolicy{expr: expr}
	if expr == "" {
		return p, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("approval", cel.DynType),
		cel.Variable("workflow", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling timeout policy: %w", issues.Err())
	}

	p.program, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building timeout policy program: %w", err)
	}
	return p, nil
}

// Escalate reports whether a timed-out approval should escalate to human
// review instead of routing as a rejection.
func (p *TimeoutPolicy) Escalate(approval *state.Approval, doc *state.Workflow) (bool, error) {
	if p.program == nil {
		return false, nil
	}

	approvalMap, err := toMap(approval)
	if err != nil {
		return false, err
	}
	workflowMap, err := toMap(doc)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	out, _, err := p.program.Eval(map[string]interface{}{
		"approval": approvalMap,
		"workflow": workflowMap,
	})
	p.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("evaluating timeout policy: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("timeout policy returned %T, want bool", out.Value())
	}
	return result, nil
}

// toMap converts a typed record into the dyn map shape CEL evaluates over.
func toMap(v any) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding policy input: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding policy input: %w", err)
	}
	return out, nil
}
