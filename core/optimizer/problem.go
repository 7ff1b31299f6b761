package optimizer

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrModelInfeasible is returned when the constraints cannot be satisfied.
	ErrModelInfeasible = errors.New("model infeasible")
	// ErrSolverFailed is returned when the solver did not produce an
	// acceptable solution.
	ErrSolverFailed = errors.New("solver failed")
	// ErrSolveTimeout is returned when the solve deadline expired.
	ErrSolveTimeout = errors.New("solve timed out")
)

// Status is the termination status reported by a Solver.
type Status int

const (
	StatusUnsolved Status = iota
	StatusSolved
	StatusMaxIterations
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusMaxIterations:
		return "max_iterations"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unsolved"
	}
}

// Problem is a convex quadratic program
//
//	minimise ½xᵀPx + qᵀx  subject to  l ≤ Ax ≤ u
//
// with P positive semi-definite. Bounds may be infinite.
type Problem struct {
	P *mat.SymDense
	Q []float64
	A *mat.Dense
	L []float64
	U []float64
}

// Dims returns the number of variables and constraints.
func (p *Problem) Dims() (n, m int) {
	m, n = p.A.Dims()
	return n, m
}

// Validate checks dimensions and bound ordering.
func (p *Problem) Validate() error {
	if p.P == nil || p.A == nil {
		return fmt.Errorf("%w: nil matrix", ErrSolverFailed)
	}
	n, m := p.Dims()
	if p.P.SymmetricDim() != n || len(p.Q) != n {
		return fmt.Errorf("%w: objective has dimension %d/%d, want %d", ErrSolverFailed, p.P.SymmetricDim(), len(p.Q), n)
	}
	if len(p.L) != m || len(p.U) != m {
		return fmt.Errorf("%w: bounds have length %d/%d, want %d", ErrSolverFailed, len(p.L), len(p.U), m)
	}
	for i := range p.L {
		if p.L[i] > p.U[i] {
			return fmt.Errorf("%w: row %d lower bound above upper bound", ErrModelInfeasible, i)
		}
	}
	return nil
}

// Result is the outcome of a solve.
type Result struct {
	X              []float64
	Status         Status
	Iterations     int
	PrimalResidual float64
	DualResidual   float64
}

// Solver solves a Problem. Implementations must honour ctx cancellation and
// return the context error when interrupted.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (Result, error)
}
