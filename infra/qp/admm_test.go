package qp

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/peakshave/core/optimizer"
)

// minimise (x0-1)² + (x1-2)² subject to x0 + x1 = 1, 0 <= x0 <= 10
func equalityProblem() *optimizer.Problem {
	return &optimizer.Problem{
		P: mat.NewSymDense(2, []float64{2, 0, 0, 2}),
		Q: []float64{-2, -4},
		A: mat.NewDense(2, 2, []float64{1, 1, 1, 0}),
		L: []float64{1, 0},
		U: []float64{1, 10},
	}
}

func TestSolveEqualityConstrained(t *testing.T) {
	res, err := NewADMM(Settings{}).Solve(context.Background(), equalityProblem())
	require.NoError(t, err)
	assert.Equal(t, optimizer.StatusSolved, res.Status)
	assert.InDelta(t, 0, res.X[0], 1e-4)
	assert.InDelta(t, 1, res.X[1], 1e-4)
}

func TestSolveActiveInequality(t *testing.T) {
	// minimise (x-3)² subject to x <= 1 and an unbounded row
	p := &optimizer.Problem{
		P: mat.NewSymDense(1, []float64{2}),
		Q: []float64{-6},
		A: mat.NewDense(2, 1, []float64{2, 1}),
		L: []float64{math.Inf(-1), math.Inf(-1)},
		U: []float64{2, math.Inf(1)},
	}
	res, err := NewADMM(Settings{}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, optimizer.StatusSolved, res.Status)
	assert.InDelta(t, 1, res.X[0], 1e-4)
}

func TestSolveWithoutAdaptiveRho(t *testing.T) {
	s := DefaultSettings()
	s.FixedRho = true
	s.Rho = 1
	res, err := NewADMM(s).Solve(context.Background(), equalityProblem())
	require.NoError(t, err)
	assert.Equal(t, optimizer.StatusSolved, res.Status)
	assert.InDelta(t, 1, res.X[0]+res.X[1], 1e-4)
}

func TestSolveIterationLimit(t *testing.T) {
	res, err := NewADMM(Settings{MaxIter: 3, CheckEvery: 1}).Solve(context.Background(), equalityProblem())
	require.NoError(t, err)
	assert.Equal(t, optimizer.StatusMaxIterations, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.X, 2)
}

func TestSolveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewADMM(Settings{}).Solve(ctx, equalityProblem())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, optimizer.StatusInterrupted, res.Status)
}

func TestSolveRejectsMalformedProblems(t *testing.T) {
	p := equalityProblem()
	p.Q = []float64{1}
	_, err := NewADMM(Settings{}).Solve(context.Background(), p)
	assert.ErrorIs(t, err, optimizer.ErrSolverFailed)

	p = equalityProblem()
	p.L[1] = 11
	_, err = NewADMM(Settings{}).Solve(context.Background(), p)
	assert.ErrorIs(t, err, optimizer.ErrModelInfeasible)
}

func TestNewADMMDefaults(t *testing.T) {
	s := NewADMM(Settings{Alpha: 3}).s
	assert.Equal(t, DefaultSettings().Alpha, s.Alpha)
	assert.Equal(t, DefaultSettings().MaxIter, s.MaxIter)
	assert.False(t, s.FixedRho)
}
