package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalExprArithmetic(t *testing.T) {
	rpn, err := compileExpr("score * 2 + aux")
	require.NoError(t, err)
	aux := uint64(5)
	v, ok := evalExpr(rpn, 3, &aux)
	require.True(t, ok)
	assert.Equal(t, 11.0, v)
}

func TestCompileAndEvalExprLaux(t *testing.T) {
	rpn, err := compileExpr("laux")
	require.NoError(t, err)
	aux := uint64(9)
	v, ok := evalExpr(rpn, 0, &aux)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 0.0001)
}

func TestCompileExprRejectsUnknownIdentifier(t *testing.T) {
	_, err := compileExpr("bogus + 1")
	require.Error(t, err)
}

func TestCompileExprHandlesParentheses(t *testing.T) {
	rpn, err := compileExpr("(score + aux) * 2")
	require.NoError(t, err)
	aux := uint64(4)
	v, ok := evalExpr(rpn, 6, &aux)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestEvalExprDivisionByZeroFails(t *testing.T) {
	rpn, err := compileExpr("score / 0")
	require.NoError(t, err)
	_, ok := evalExpr(rpn, 5, nil)
	assert.False(t, ok)
}

func TestEvalExprLauxZeroAux(t *testing.T) {
	rpn, err := compileExpr("laux")
	require.NoError(t, err)
	v, ok := evalExpr(rpn, 0, nil)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}
