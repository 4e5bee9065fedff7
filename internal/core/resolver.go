package core

import "encoding/json"

// Resolve walks the flag's rules in list order and returns the variant of the
// first rule whose condition matches. A rule referencing a variant id that no
// longer exists in the definition is skipped rather than treated as fatal.
//
// When no rule matches, the first variant (if any) is returned as the default
// with matched=false. Variant weights are never consulted; targeting is
// strictly first-match-wins.
func Resolve(flag Flag, ctx Context) (variant string, value json.RawMessage, matched bool) {
	for _, rule := range flag.Rules {
		if !EvaluateCondition(rule.Condition, ctx) {
			continue
		}
		if v, ok := findVariant(flag.Variants, rule.VariantID); ok {
			return v.Name, v.Value, true
		}
	}

	if len(flag.Variants) > 0 {
		first := flag.Variants[0]
		return first.Name, first.Value, false
	}

	return "", nil, false
}

func findVariant(variants []Variant, id string) (Variant, bool) {
	for _, v := range variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
