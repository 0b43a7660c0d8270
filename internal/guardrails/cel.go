package guardrails

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// newCELProgram compiles expr against an environment exposing the request
// facts a guardrail author needs: model, prompt, and the estimated input
// token count. Grounded on yduwcui-ai-gateway's internal/llmcostcel
// NewProgram/EvaluateProgram shape, repurposed from cost formulas to
// boolean reject predicates.
func newCELProgram(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("model", cel.StringType),
		cel.Variable("prompt", cel.StringType),
		cel.Variable("estimated_tokens", cel.UintType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must evaluate to bool, got %s", ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL program: %w", err)
	}
	return prog, nil
}

// evaluateCELReject runs prog against in's facts. true means "reject this
// request" — the expression is a rejection predicate, not an allow rule.
func evaluateCELReject(prog cel.Program, in Input) (bool, error) {
	out, _, err := prog.Eval(map[string]interface{}{
		"model":            in.Model,
		"prompt":           in.Prompt,
		"estimated_tokens": uint64(in.EstimatedTokens),
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	reject, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool")
	}
	return reject, nil
}
