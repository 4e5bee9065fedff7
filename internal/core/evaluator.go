// Package core implements the pure flag evaluation pipeline: condition
// expressions, targeting resolution, and the enabled/disabled short-circuit.
// Nothing in this package performs I/O; identical inputs always produce
// identical results, so evaluation is safe from any number of goroutines.
package core

// EvaluateFlag evaluates a flag definition against a context.
//
// A disabled flag short-circuits to {Enabled: false} without consulting rules
// or variants. Otherwise targeting resolution runs and the selected variant,
// if any, is copied into the result.
func EvaluateFlag(flag Flag, ctx Context) Result {
	if !flag.Enabled {
		return Result{Enabled: false}
	}

	variant, value, _ := Resolve(flag, ctx)

	return Result{
		Enabled: true,
		Variant: variant,
		Value:   value,
	}
}
