package skill

import "context"

// AddSkill sums two numeric inputs.
//
// Inputs:
//   - a: number (required)
//   - b: number (required)
//
// Output:
//   - result: a + b
type AddSkill struct{}

// NewAddSkill creates the "add" skill.
func NewAddSkill() *AddSkill {
	return &AddSkill{}
}

// Name returns "add".
func (s *AddSkill) Name() string { return "add" }

// Invoke computes a + b.
func (s *AddSkill) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a, ok := asNumber(inv.Inputs["a"])
	if !ok {
		return Result{}, Errorf("invalid_input", "input %q must be a number", "a")
	}
	b, ok := asNumber(inv.Inputs["b"])
	if !ok {
		return Result{}, Errorf("invalid_input", "input %q must be a number", "b")
	}

	return Result{Output: map[string]any{"result": a + b}}, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
