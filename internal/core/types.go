package core

import "encoding/json"

// Variant is one possible payload a flag can resolve to. Weight is advisory
// rollout metadata; targeting is first-match-wins and does not consume it.
type Variant struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value,omitempty"`
	Weight int             `json:"weight,omitempty"`
}

// Rule maps a condition expression to a variant. Rules are evaluated in list
// order and the first matching rule wins.
type Rule struct {
	ID        string `json:"id,omitempty"`
	Condition string `json:"condition"`
	VariantID string `json:"variantId"`
	Weight    int    `json:"weight,omitempty"`
}

// Flag is the evaluation-time representation of a flag definition.
type Flag struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Variants    []Variant `json:"variants,omitempty"`
	Rules       []Rule    `json:"rules,omitempty"`
}

// Context is the identity and attribute bundle a flag is evaluated against.
// UserID and TenantID are reserved condition keys; any other key resolves
// through Attributes.
type Context struct {
	UserID     string         `json:"userId,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of evaluating one flag. Variant and Value are only
// present when Enabled is true and a variant was resolved.
type Result struct {
	Enabled bool            `json:"enabled"`
	Variant string          `json:"variant,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}
