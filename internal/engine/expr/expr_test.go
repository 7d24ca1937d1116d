// ABOUTME: Tests for the expression parser and evaluator
// ABOUTME: Covers arithmetic semantics, result formatting and rejected constructs

package expr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalString(t *testing.T, src string, args map[string]any) string {
	t.Helper()
	prog, err := Parse(src)
	require.NoError(t, err, "parse %q", src)
	v, err := prog.Eval(context.Background(), args)
	require.NoError(t, err, "eval %q", src)
	return Format(v)
}

func TestEvalFormatsResults(t *testing.T) {
	tests := []struct {
		src  string
		args map[string]any
		want string
	}{
		{"a + b", map[string]any{"a": int64(2), "b": int64(3)}, "5"},
		{"a + b", map[string]any{"a": 2.5, "b": int64(3)}, "5.5"},
		{"a - b", map[string]any{"a": int64(2), "b": int64(7)}, "-5"},
		{"6 / 3", nil, "2.0"},
		{"7 / 2", nil, "3.5"},
		{"7 // 2", nil, "3"},
		{"-7 // 2", nil, "-4"},
		{"-7 % 3", nil, "2"},
		{"7 % -3", nil, "-2"},
		{"-7.5 % 2", nil, "0.5"},
		{"2 ** 10", nil, "1024"},
		{"2 ** -1", nil, "0.5"},
		{"-2 ** 2", nil, "-4"},
		{"(1 + 2) * 3", nil, "9"},
		{"1e16", nil, "1e+16"},
		{"0.0001", nil, "0.0001"},
		{"0.00001", nil, "1e-05"},
		{"1.0 * 10 ** 15", nil, "1000000000000000.0"},
		{"float('inf')", nil, "inf"},
		{"1 < 2", nil, "True"},
		{"not 1", nil, "False"},
		{"None", nil, "None"},
		{"'a' + 'b'", nil, "ab"},
		{"[1, 'x', True]", nil, "[1, 'x', True]"},
		{"True + True", nil, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, evalString(t, tt.src, tt.args))
		})
	}
}

func TestEvalLogicAndComparison(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"1 < 2 < 3", "True"},
		{"1 < 3 < 2", "False"},
		{"1 == 1.0", "True"},
		{"'b' > 'a'", "True"},
		{"0 or 'fallback'", "fallback"},
		{"1 and 2", "2"},
		{"0 && 2", "0"},
		{"!0 || 0", "True"},
		{"'yes' if 2 > 1 else 'no'", "yes"},
		{"'yes' if 2 < 1 else 'no'", "no"},
		{"1 if False else 2 if False else 3", "3"},
		{"float('nan') < 1", "False"},
		{"float('nan') != float('nan')", "True"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, evalString(t, tt.src, nil))
		})
	}
}

func TestEvalFunctions(t *testing.T) {
	args := map[string]any{"xs": []any{int64(3), int64(1), int64(2)}, "s": "héllo"}
	tests := []struct {
		src  string
		want string
	}{
		{"abs(-4)", "4"},
		{"abs(-4.5)", "4.5"},
		{"min(3, 1, 2)", "1"},
		{"max(xs)", "3"},
		{"len(s)", "5"},
		{"len(xs)", "3"},
		{"sum(xs)", "6"},
		{"sum(xs, 0.5)", "6.5"},
		{"int('42') + 1", "43"},
		{"int(3.9)", "3"},
		{"float(2)", "2.0"},
		{"str(1.5) + '!'", "1.5!"},
		{"bool('')", "False"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, evalString(t, tt.src, args))
		})
	}
}

func TestParseRejectsForbiddenConstructs(t *testing.T) {
	tests := []struct {
		src  string
		want error
	}{
		{"__import__('os')", ErrForbidden},
		{"__import__('os').system('id')", ErrSyntax},
		{"open('/etc/passwd')", ErrForbidden},
		{"eval('1')", ErrForbidden},
		{"a.b", ErrSyntax},
		{"a[0]", ErrSyntax},
		{"x = 1", ErrSyntax},
		{"lambda: 1", ErrSyntax},
		{"import os", ErrSyntax},
		{"1 if 2", ErrSyntax},
		{"(1 + 2", ErrSyntax},
		{"'unterminated", ErrSyntax},
		{"", ErrSyntax},
		{"a; b", ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseLimits(t *testing.T) {
	_, err := Parse(strings.Repeat("(", MaxDepth+1) + "1" + strings.Repeat(")", MaxDepth+1))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Parse(strings.Repeat("1+", MaxNodes) + "1")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Parse("1" + strings.Repeat(" ", MaxSourceLength))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEvalRuntimeErrors(t *testing.T) {
	tests := []struct {
		src  string
		args map[string]any
		msg  string
	}{
		{"a / b", map[string]any{"a": int64(1), "b": int64(0)}, "division by zero"},
		{"a // 0", map[string]any{"a": int64(1)}, "by zero"},
		{"a + b", map[string]any{"a": int64(1)}, "name 'b' is not defined"},
		{"'a' * 3", nil, "unsupported operand"},
		{"'a' + 1", nil, "unsupported operand"},
		{"2 ** 64", nil, "integer overflow"},
		{"'a' < 1", nil, "not supported"},
		{"max([])", nil, "empty sequence"},
		{"int('x')", nil, "invalid literal"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			prog, err := Parse(tt.src)
			require.NoError(t, err)
			_, err = prog.Eval(context.Background(), tt.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEval)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestEvalHonoursCancellation(t *testing.T) {
	prog, err := Parse("1 + 2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.Eval(ctx, nil)
	assert.True(t, errors.Is(err, context.Canceled))

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err = prog.Eval(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvalNormalizesArguments(t *testing.T) {
	assert.Equal(t, "5", evalString(t, "a + b", map[string]any{"a": 2, "b": int32(3)}))

	prog, err := Parse("a")
	require.NoError(t, err)
	_, err = prog.Eval(context.Background(), map[string]any{"a": struct{}{}})
	assert.ErrorIs(t, err, ErrEval)
}

func TestProgramIdentifiers(t *testing.T) {
	prog, err := Parse("a + max(b, a) if c else d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, prog.Identifiers())
}

func TestEvalConcatenationIsBounded(t *testing.T) {
	quarter := strings.Repeat("x", MaxStringLength/4)
	args := map[string]any{"a": quarter}

	assert.Len(t, evalString(t, "a + a + a + a", args), MaxStringLength)

	prog, err := Parse("a + a + a + a + a + a + a + a")
	require.NoError(t, err)
	_, err = prog.Eval(context.Background(), args)
	require.ErrorIs(t, err, ErrEval)
	assert.Contains(t, err.Error(), "string result exceeds")

	xs := make([]any, MaxListLength/2+1)
	for i := range xs {
		xs[i] = int64(i)
	}
	prog, err = Parse("len(xs + xs)")
	require.NoError(t, err)
	_, err = prog.Eval(context.Background(), map[string]any{"xs": xs})
	require.ErrorIs(t, err, ErrEval)
	assert.Contains(t, err.Error(), "list result exceeds")
}
