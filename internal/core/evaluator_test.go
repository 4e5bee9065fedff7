package core

import (
	"bytes"
	"encoding/json"
	"testing"
)

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestEvaluateFlagDisabledShortCircuit(t *testing.T) {
	// Rules and variants must never be consulted for a disabled flag, even
	// when a rule would match.
	flag := Flag{
		Name:    "checkout-v2",
		Enabled: false,
		Variants: []Variant{
			{ID: "on", Name: "on", Value: rawJSON(`true`)},
		},
		Rules: []Rule{
			{Condition: "tenantId == beta", VariantID: "on"},
		},
	}

	got := EvaluateFlag(flag, Context{TenantID: "beta"})
	want := Result{Enabled: false}
	if got.Enabled != want.Enabled || got.Variant != "" || got.Value != nil {
		t.Fatalf("EvaluateFlag(disabled) = %+v, want %+v", got, want)
	}
}

func TestEvaluateFlagDefaultVariant(t *testing.T) {
	// Scenario: enabled flag, one variant, no rules.
	flag := Flag{
		Name:    "new-dashboard",
		Enabled: true,
		Variants: []Variant{
			{ID: "a", Name: "control", Value: rawJSON(`true`)},
		},
	}

	got := EvaluateFlag(flag, Context{})
	if !got.Enabled || got.Variant != "control" || !bytes.Equal(got.Value, rawJSON(`true`)) {
		t.Fatalf("EvaluateFlag() = %+v, want enabled control/true", got)
	}
}

func TestEvaluateFlagRuleTargeting(t *testing.T) {
	flag := Flag{
		Name:    "search-ranking",
		Enabled: true,
		Variants: []Variant{
			{ID: "c", Name: "control", Value: rawJSON(`"baseline"`)},
			{ID: "e", Name: "enhanced", Value: rawJSON(`"ml-v3"`)},
		},
		Rules: []Rule{
			{Condition: "tenantId == beta", VariantID: "e"},
		},
	}

	tests := []struct {
		name        string
		ctx         Context
		wantVariant string
	}{
		{"matching tenant gets targeted variant", Context{TenantID: "beta"}, "enhanced"},
		{"non-matching tenant falls back to first variant", Context{TenantID: "acme"}, "control"},
		{"empty context falls back to first variant", Context{}, "control"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateFlag(flag, tt.ctx)
			if !got.Enabled {
				t.Fatal("expected enabled result")
			}
			if got.Variant != tt.wantVariant {
				t.Fatalf("variant = %q, want %q", got.Variant, tt.wantVariant)
			}
		})
	}
}

func TestEvaluateFlagEnabledNoVariants(t *testing.T) {
	// An enabled flag with no variants means "on" with no payload.
	got := EvaluateFlag(Flag{Name: "maintenance-banner", Enabled: true}, Context{})
	if !got.Enabled || got.Variant != "" || got.Value != nil {
		t.Fatalf("EvaluateFlag(no variants) = %+v, want bare enabled", got)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	// Two matching rules: the outcome must equal evaluating with only the
	// first rule present.
	variants := []Variant{
		{ID: "c", Name: "control"},
		{ID: "x", Name: "first"},
		{ID: "y", Name: "second"},
	}
	first := Rule{Condition: "tenantId == beta", VariantID: "x"}
	second := Rule{Condition: "tenantId == beta", VariantID: "y"}

	both := Flag{Enabled: true, Variants: variants, Rules: []Rule{first, second}}
	only := Flag{Enabled: true, Variants: variants, Rules: []Rule{first}}
	ctx := Context{TenantID: "beta"}

	gotBoth, _, matchedBoth := Resolve(both, ctx)
	gotOnly, _, matchedOnly := Resolve(only, ctx)

	if !matchedBoth || !matchedOnly {
		t.Fatal("expected both resolutions to match a rule")
	}
	if gotBoth != gotOnly {
		t.Fatalf("first-match-wins violated: both rules = %q, first rule only = %q", gotBoth, gotOnly)
	}
}

func TestResolveDanglingVariantID(t *testing.T) {
	// A rule pointing at a missing variant is skipped, not fatal; the next
	// rule still gets a chance.
	flag := Flag{
		Enabled: true,
		Variants: []Variant{
			{ID: "c", Name: "control"},
			{ID: "e", Name: "enhanced"},
		},
		Rules: []Rule{
			{Condition: "tenantId == beta", VariantID: "ghost"},
			{Condition: "tenantId == beta", VariantID: "e"},
		},
	}

	variant, _, matched := Resolve(flag, Context{TenantID: "beta"})
	if !matched || variant != "enhanced" {
		t.Fatalf("Resolve() = (%q, matched=%t), want enhanced via second rule", variant, matched)
	}
}

func TestResolveNoRulesNoVariants(t *testing.T) {
	variant, value, matched := Resolve(Flag{Enabled: true}, Context{})
	if matched || variant != "" || value != nil {
		t.Fatalf("Resolve(empty flag) = (%q, %s, %t), want zero values", variant, value, matched)
	}
}

func TestResolveMalformedConditionDoesNotAbort(t *testing.T) {
	// A rule with a broken expression is non-matching; later rules and the
	// default fallback still apply.
	flag := Flag{
		Enabled: true,
		Variants: []Variant{
			{ID: "c", Name: "control"},
			{ID: "e", Name: "enhanced"},
		},
		Rules: []Rule{
			{Condition: "tenantId ~~ beta", VariantID: "e"},
		},
	}

	variant, _, matched := Resolve(flag, Context{TenantID: "beta"})
	if matched {
		t.Fatal("malformed condition must not match")
	}
	if variant != "control" {
		t.Fatalf("variant = %q, want default fallback %q", variant, "control")
	}
}

func TestEvaluateFlagDeterministic(t *testing.T) {
	flag := Flag{
		Name:    "pricing-experiment",
		Enabled: true,
		Variants: []Variant{
			{ID: "a", Name: "control", Value: rawJSON(`{"tier":"std"}`)},
			{ID: "b", Name: "treatment", Value: rawJSON(`{"tier":"plus"}`)},
		},
		Rules: []Rule{
			{Condition: "plan == enterprise AND seats > 10", VariantID: "b"},
		},
	}
	ctx := Context{TenantID: "acme", Attributes: map[string]any{"plan": "enterprise", "seats": 50}}

	first := EvaluateFlag(flag, ctx)
	for i := 0; i < 100; i++ {
		got := EvaluateFlag(flag, ctx)
		if got.Enabled != first.Enabled || got.Variant != first.Variant || !bytes.Equal(got.Value, first.Value) {
			t.Fatalf("iteration %d: result %+v differs from %+v", i, got, first)
		}
	}
}
