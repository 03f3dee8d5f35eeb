package machine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalGuard(t *testing.T, expr, ctxJSON string) bool {
	t.Helper()
	guard, err := ParseGuard(expr)
	require.NoError(t, err)
	var ctx any
	require.NoError(t, json.Unmarshal([]byte(ctxJSON), &ctx))
	return guard.Evaluate(ctx)
}

func TestGuard_Truthy(t *testing.T) {
	assert.True(t, evalGuard(t, "ctx.enabled", `{"enabled":true}`))
	assert.False(t, evalGuard(t, "ctx.enabled", `{"enabled":false}`))
	assert.False(t, evalGuard(t, "ctx.enabled", `{"enabled":null}`))
	assert.False(t, evalGuard(t, "ctx.enabled", `{}`))
}

func TestGuard_TruthyKinds(t *testing.T) {
	// Truthy: true, non-zero number, non-empty string/array/object.
	assert.True(t, evalGuard(t, "ctx.v", `{"v":1}`))
	assert.True(t, evalGuard(t, "ctx.v", `{"v":"x"}`))
	assert.True(t, evalGuard(t, "ctx.v", `{"v":[1]}`))
	assert.True(t, evalGuard(t, "ctx.v", `{"v":{"k":1}}`))

	// Falsy: false, zero, empty, null.
	assert.False(t, evalGuard(t, "ctx.v", `{"v":0}`))
	assert.False(t, evalGuard(t, "ctx.v", `{"v":""}`))
	assert.False(t, evalGuard(t, "ctx.v", `{"v":[]}`))
	assert.False(t, evalGuard(t, "ctx.v", `{"v":{}}`))
	assert.False(t, evalGuard(t, "ctx.v", `{"v":null}`))
}

func TestGuard_Equality(t *testing.T) {
	assert.True(t, evalGuard(t, `ctx.status == "active"`, `{"status":"active"}`))
	assert.False(t, evalGuard(t, `ctx.status == "active"`, `{"status":"inactive"}`))
	assert.True(t, evalGuard(t, `ctx.status != "inactive"`, `{"status":"active"}`))
	assert.True(t, evalGuard(t, "ctx.count == 42", `{"count":42}`))
	assert.True(t, evalGuard(t, "ctx.flag == false", `{"flag":false}`))
	assert.True(t, evalGuard(t, "ctx.v == null", `{"v":null}`))
	assert.False(t, evalGuard(t, "ctx.v == null", `{"v":1}`))
}

func TestGuard_CrossKindEqualityIsFalse(t *testing.T) {
	assert.False(t, evalGuard(t, `ctx.v == "1"`, `{"v":1}`))
	assert.False(t, evalGuard(t, "ctx.v == 1", `{"v":"1"}`))
	assert.False(t, evalGuard(t, "ctx.v == true", `{"v":1}`))
}

func TestGuard_NumericComparison(t *testing.T) {
	assert.True(t, evalGuard(t, "ctx.amount > 100", `{"amount":150}`))
	assert.False(t, evalGuard(t, "ctx.amount > 100", `{"amount":100}`))
	assert.True(t, evalGuard(t, "ctx.amount >= 100", `{"amount":100}`))
	assert.True(t, evalGuard(t, "ctx.count < 10", `{"count":5}`))
	assert.True(t, evalGuard(t, "ctx.count <= 10", `{"count":10}`))
	assert.True(t, evalGuard(t, "ctx.temp > -10", `{"temp":0}`))
	assert.True(t, evalGuard(t, "ctx.rate >= 0.5", `{"rate":0.5}`))
}

func TestGuard_ComparisonOnNonNumberIsFalse(t *testing.T) {
	assert.False(t, evalGuard(t, "ctx.v > 10", `{"v":"not a number"}`))
	assert.False(t, evalGuard(t, "ctx.v > 10", `{"v":null}`))
	assert.False(t, evalGuard(t, "ctx.v > 10", `{}`))
}

func TestGuard_Logic(t *testing.T) {
	assert.True(t, evalGuard(t, "ctx.a && ctx.b", `{"a":true,"b":true}`))
	assert.False(t, evalGuard(t, "ctx.a && ctx.b", `{"a":true,"b":false}`))
	assert.True(t, evalGuard(t, "ctx.a || ctx.b", `{"a":false,"b":true}`))
	assert.False(t, evalGuard(t, "ctx.a || ctx.b", `{"a":false,"b":false}`))
	assert.True(t, evalGuard(t, "!ctx.disabled", `{"disabled":false}`))
	assert.True(t, evalGuard(t, "!!ctx.a", `{"a":true}`))
}

func TestGuard_Precedence(t *testing.T) {
	// && binds tighter than ||: a && b || c == (a && b) || c.
	assert.True(t, evalGuard(t, "ctx.a && ctx.b || ctx.c", `{"a":false,"b":false,"c":true}`))
	assert.False(t, evalGuard(t, "ctx.a && ctx.b || ctx.c", `{"a":true,"b":false,"c":false}`))

	// Parentheses override.
	assert.False(t, evalGuard(t, "(ctx.a || ctx.b) && ctx.c", `{"a":true,"b":true,"c":false}`))
	assert.True(t, evalGuard(t, "((ctx.a || ctx.b) && ctx.c) || ctx.d", `{"a":false,"b":false,"c":false,"d":true}`))
	assert.True(t, evalGuard(t, "!(ctx.a && ctx.b)", `{"a":true,"b":false}`))
	assert.True(t, evalGuard(t, "!(ctx.amount > 100)", `{"amount":50}`))
}

func TestGuard_NestedFields(t *testing.T) {
	assert.True(t, evalGuard(t, "ctx.order.paid", `{"order":{"paid":true}}`))
	assert.False(t, evalGuard(t, "ctx.order.paid", `{"order":{}}`))
	assert.True(t, evalGuard(t, "ctx.order.customer.verified", `{"order":{"customer":{"verified":true}}}`))
	// Missing intermediate fields yield null.
	assert.False(t, evalGuard(t, "ctx.order.customer.verified", `{}`))
	assert.False(t, evalGuard(t, "ctx.order.customer.verified", `{"order":"not an object"}`))
}

func TestGuard_ParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"foo.bar",
		"ctx.",
		"(ctx.a && ctx.b",
		"!(ctx.a && ctx.b",
		`ctx.name == "unclosed`,
		"ctx.value > abc",
	} {
		_, err := ParseGuard(expr)
		assert.Error(t, err, "expression %q should not parse", expr)
	}
}

func TestEvaluateGuard_NilIsAlwaysTrue(t *testing.T) {
	assert.True(t, EvaluateGuard(nil, map[string]any{}))
}
