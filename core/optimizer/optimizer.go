package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/peakshave/core/model"
)

// planNamespace seeds the name based plan identifiers.
var planNamespace = uuid.MustParse("6f1c2a7e-3b84-4d2f-9a51-0c7e8b9d4f12")

// Optimizer builds and solves one dispatch problem per call.
type Optimizer struct {
	solver  Solver
	timeout time.Duration
	now     func() time.Time
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithClock replaces time.Now for the solution timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

// New returns an Optimizer using s. A positive timeout bounds every solve.
func New(s Solver, timeout time.Duration, opts ...Option) *Optimizer {
	o := &Optimizer{solver: s, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Solve computes the dispatch trajectory minimising the squared deviation of
// net demand from the threshold over the horizon. The same inputs always
// produce the same trajectory and identifier.
func (o *Optimizer) Solve(ctx context.Context, window model.ForecastWindow, battery model.BatteryState, params model.ControllerParameters) (model.DispatchSolution, error) {
	m, err := Build(window, battery, params)
	if err != nil {
		return model.DispatchSolution{}, err
	}
	if err := m.Problem.Validate(); err != nil {
		return model.DispatchSolution{}, err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	res, err := o.solver.Solve(ctx, m.Problem)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return model.DispatchSolution{}, fmt.Errorf("%w after %s: %v", ErrSolveTimeout, o.timeout, err)
	case errors.Is(err, ErrModelInfeasible), errors.Is(err, ErrSolverFailed), errors.Is(err, context.Canceled):
		return model.DispatchSolution{}, err
	default:
		return model.DispatchSolution{}, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}
	if res.Status != StatusSolved {
		return model.DispatchSolution{}, fmt.Errorf("%w: status %s after %d iterations", ErrSolverFailed, res.Status, res.Iterations)
	}
	sol, err := m.Extract(res.X)
	if err != nil {
		return model.DispatchSolution{}, err
	}
	id, err := planID(sol)
	if err != nil {
		return model.DispatchSolution{}, err
	}
	sol.ID = id
	sol.CreatedAt = o.now().UTC()
	return sol, nil
}

func planID(sol model.DispatchSolution) (string, error) {
	b, err := json.Marshal(struct {
		Steps      []model.Step
		Battery    model.BatteryState
		Controller model.ControllerParameters
	}{sol.Steps, sol.Battery, sol.Controller})
	if err != nil {
		return "", fmt.Errorf("plan id: %w", err)
	}
	return uuid.NewSHA1(planNamespace, b).String(), nil
}
