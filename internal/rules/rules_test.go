package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telestackhq/db/internal/domain"
	"github.com/telestackhq/db/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func mustPath(t *testing.T, s string) domain.Path {
	t.Helper()
	p, err := domain.ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestEngine_FirstMatchWins(t *testing.T) {
	// Overlapping patterns are evaluated in declaration order.
	e := New([]RuleConfig{
		{Match: "private/{id}", Allow: map[string]string{"read": "false"}},
		{Match: "{collection}/{id}", Allow: map[string]string{"read": "true"}},
	})

	auth := AuthContext{UserID: "u1"}
	require.False(t, e.Authorize(mustPath(t, "private/x"), OpRead, auth))
	require.True(t, e.Authorize(mustPath(t, "public/x"), OpRead, auth))
}

func TestEngine_DefaultDeny(t *testing.T) {
	e := New(nil)
	require.False(t, e.Authorize(mustPath(t, "anything/x"), OpRead, AuthContext{UserID: "u1"}))
}

func TestEngine_MissingOperationDenies(t *testing.T) {
	e := New([]RuleConfig{
		{Match: "{collection}/{id}", Allow: map[string]string{"read": "true"}},
	})
	p := mustPath(t, "items/i1")
	require.True(t, e.Authorize(p, OpRead, AuthContext{UserID: "u1"}))
	require.False(t, e.Authorize(p, OpWrite, AuthContext{UserID: "u1"}))
	require.False(t, e.Authorize(p, OpDelete, AuthContext{UserID: "u1"}))
}

func TestEngine_AuthVariables(t *testing.T) {
	e := New([]RuleConfig{
		{Match: "users/{userId}", Allow: map[string]string{
			"read":  "auth.userId != null",
			"write": "auth.userId == userId",
		}},
	})

	require.True(t, e.Authorize(mustPath(t, "users/u1"), OpWrite, AuthContext{UserID: "u1"}))
	require.False(t, e.Authorize(mustPath(t, "users/u1"), OpWrite, AuthContext{UserID: "u2"}))
	require.True(t, e.Authorize(mustPath(t, "users/u2"), OpRead, AuthContext{UserID: "u1"}))
	// Anonymous caller: auth.userId is null.
	require.False(t, e.Authorize(mustPath(t, "users/u1"), OpRead, AuthContext{}))
}

func TestEngine_TailWildcard(t *testing.T) {
	e := New([]RuleConfig{
		{Match: "workspaces/{ws}/{rest=**}", Allow: map[string]string{"read": "true"}},
	})

	require.True(t, e.Authorize(mustPath(t, "workspaces/w1/items"), OpRead, AuthContext{UserID: "u"}))
	require.True(t, e.Authorize(mustPath(t, "workspaces/w1/items/i1/sub/s1"), OpRead, AuthContext{UserID: "u"}))
	// Tail capture requires at least one remaining segment.
	require.False(t, e.Authorize(mustPath(t, "workspaces/w1"), OpRead, AuthContext{UserID: "u"}))
}

func TestEngine_PrefixWildcard(t *testing.T) {
	e := New([]RuleConfig{
		{Match: "shared/**", Allow: map[string]string{"read": "true", "write": "auth.userId == 'admin'"}},
	})

	require.True(t, e.Authorize(mustPath(t, "shared/doc1"), OpRead, AuthContext{UserID: "u"}))
	require.True(t, e.Authorize(mustPath(t, "shared/a/b/c"), OpRead, AuthContext{UserID: "u"}))
	// A proper-prefix match: "shared" alone does not match "shared/**".
	require.False(t, e.Authorize(mustPath(t, "shared"), OpRead, AuthContext{UserID: "u"}))
	require.True(t, e.Authorize(mustPath(t, "shared/doc1"), OpWrite, AuthContext{UserID: "admin"}))
	require.False(t, e.Authorize(mustPath(t, "shared/doc1"), OpWrite, AuthContext{UserID: "bob"}))
}

func TestEngine_BrokenExpressionDenies(t *testing.T) {
	e := New([]RuleConfig{
		{Match: "items/{id}", Allow: map[string]string{"read": "auth.userId === broken ((("}},
	})
	require.False(t, e.Authorize(mustPath(t, "items/i1"), OpRead, AuthContext{UserID: "u1"}))
}

func TestParseExpr(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		env     map[string]Value
		want    bool
		wantErr bool
	}{
		{"true literal", "true", nil, true, false},
		{"false literal", "false", nil, false, false},
		{"equality", "'a' == 'a'", nil, true, false},
		{"inequality", "'a' != 'b'", nil, true, false},
		{"and", "true && false", nil, false, false},
		{"or", "false || true", nil, true, false},
		{"not", "!false", nil, true, false},
		{"parens", "(true || false) && true", nil, true, false},
		{"null check", "x != null", map[string]Value{"x": StringValue("v")}, true, false},
		{"null equals", "x == null", map[string]Value{"x": NullValue()}, true, false},
		{"double quotes", `name == "bob"`, map[string]Value{"name": StringValue("bob")}, true, false},
		{"unknown identifier errors", "missing == 'x'", nil, false, true},
		{"non-boolean result errors", "'just a string'", nil, false, true},
		{"unterminated string", "'abc", nil, false, true},
		{"single equals", "a = b", nil, false, true},
		{"trailing garbage", "true true", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseExpr(tt.src)
			if err != nil {
				require.True(t, tt.wantErr, "unexpected parse error: %v", err)
				return
			}
			got, err := expr.Eval(tt.env)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_ShortCircuit(t *testing.T) {
	// The right side references an unknown identifier but is never reached.
	expr, err := ParseExpr("false && missing == 'x'")
	require.NoError(t, err)
	got, err := expr.Eval(nil)
	require.NoError(t, err)
	require.False(t, got)

	expr, err = ParseExpr("true || missing == 'x'")
	require.NoError(t, err)
	got, err = expr.Eval(nil)
	require.NoError(t, err)
	require.True(t, got)
}

func TestExpr_DottedDereference(t *testing.T) {
	env := map[string]Value{
		"auth": ObjectValue(map[string]Value{"userId": StringValue("u1")}),
	}

	expr, err := ParseExpr("auth.userId == 'u1'")
	require.NoError(t, err)
	got, err := expr.Eval(env)
	require.NoError(t, err)
	require.True(t, got)

	// Unknown field denies via error.
	expr, err = ParseExpr("auth.role == 'admin'")
	require.NoError(t, err)
	_, err = expr.Eval(env)
	require.Error(t, err)
}
