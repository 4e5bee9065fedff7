package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition operators. Tokens are case-sensitive.
const (
	opEquals     = "=="
	opNotEquals  = "!="
	opGT         = ">"
	opLT         = "<"
	opGTE        = ">="
	opLTE        = "<="
	opContains   = "contains"
	opStartsWith = "startsWith"
	opEndsWith   = "endsWith"
)

const clauseSeparator = " AND "

// EvaluateCondition evaluates a condition expression against ctx. The grammar
// is one or more `key op value` clauses joined by the literal token "AND",
// single-space-delimited, with no quoting or parentheses. Values containing
// spaces are unsupported.
//
// EvaluateCondition is total: malformed input never panics or errors, it
// evaluates to false. All clauses must hold for the expression to match.
func EvaluateCondition(expression string, ctx Context) bool {
	if strings.TrimSpace(expression) == "" {
		return false
	}

	for _, clause := range strings.Split(expression, clauseSeparator) {
		if !evaluateClause(clause, ctx) {
			return false
		}
	}

	return true
}

func evaluateClause(clause string, ctx Context) bool {
	parts := strings.Split(clause, " ")
	if len(parts) != 3 {
		return false
	}

	key, op, expected := parts[0], parts[1], parts[2]
	actual, present := resolveKey(ctx, key)

	// An absent key fails every operator except inequality.
	if !present {
		return op == opNotEquals
	}

	switch op {
	case opEquals:
		return actual == expected
	case opNotEquals:
		return actual != expected
	case opGT, opLT, opGTE, opLTE:
		return compareNumeric(actual, op, expected)
	case opContains:
		return strings.Contains(actual, expected)
	case opStartsWith:
		return strings.HasPrefix(actual, expected)
	case opEndsWith:
		return strings.HasSuffix(actual, expected)
	default:
		return false
	}
}

// resolveKey maps the reserved keys userId and tenantId to the corresponding
// Context fields; any other key is looked up in the open attribute map.
func resolveKey(ctx Context, key string) (string, bool) {
	switch key {
	case "userId":
		return ctx.UserID, ctx.UserID != ""
	case "tenantId":
		return ctx.TenantID, ctx.TenantID != ""
	}

	value, ok := ctx.Attributes[key]
	if !ok || value == nil {
		return "", false
	}

	return coerceString(value)
}

func compareNumeric(actual, op, expected string) bool {
	left, err := strconv.ParseFloat(actual, 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(expected, 64)
	if err != nil {
		return false
	}

	switch op {
	case opGT:
		return left > right
	case opLT:
		return left < right
	case opGTE:
		return left >= right
	case opLTE:
		return left <= right
	default:
		return false
	}
}

func coerceString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}
