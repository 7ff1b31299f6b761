package optimizer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/optimizer"
	"github.com/kilianp07/peakshave/infra/qp"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func flat(n int, load float64) model.ForecastWindow {
	w := make(model.ForecastWindow, n)
	for i := range w {
		w[i] = model.Sample{Time: start.Add(time.Duration(i) * 15 * time.Minute), LoadKW: load}
	}
	return w
}

func newOptimizer() *optimizer.Optimizer {
	return optimizer.New(qp.NewADMM(qp.Settings{}), 5*time.Second,
		optimizer.WithClock(func() time.Time { return start }))
}

func params(threshold float64, horizon int) model.ControllerParameters {
	return model.ControllerParameters{ThresholdKW: threshold, Horizon: horizon}
}

func TestSolveFillsValleyBelowThreshold(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(8, 3), model.DefaultBatteryState(), params(4, 8))
	require.NoError(t, err)
	require.Len(t, sol.Steps, 8)
	// charging towards the threshold is the unconstrained optimum
	for _, s := range sol.Steps {
		assert.InDelta(t, 1.0, s.BatteryKW, 1e-3)
		assert.InDelta(t, 4.0, s.NetKW, 1e-3)
	}
	assert.InDelta(t, 0, sol.Objective, 1e-5)
}

func TestSolveAtThresholdIsZero(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(8, 4), model.DefaultBatteryState(), params(4, 8))
	require.NoError(t, err)
	for _, s := range sol.Steps {
		assert.InDelta(t, 0, s.BatteryKW, 1e-4)
		assert.InDelta(t, 0.5, s.SoC, 1e-5)
	}
}

func TestSolveTrivialForecastIsZero(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(5, 8))
	require.NoError(t, err)
	require.Len(t, sol.Steps, 8)
	for _, s := range sol.Steps {
		assert.InDelta(t, 0, s.BatteryKW, 1e-4)
		assert.InDelta(t, 5, s.NetKW, 1e-4)
		assert.InDelta(t, 0.5, s.SoC, 1e-5)
	}
}

func TestSolveFullBatteryWithChargingDemand(t *testing.T) {
	b := model.DefaultBatteryState()
	b.SoC = b.SoCMax
	// load 1 kW under an 8 kW threshold asks for more than the 6 kW charge limit
	sol, err := newOptimizer().Solve(context.Background(), flat(8, 1), b, params(8, 8))
	require.NoError(t, err)
	require.Len(t, sol.Steps, 8)
	for i, s := range sol.Steps[:7] {
		assert.InDelta(t, 0, s.BatteryKW, 2e-3, "step %d", i)
		assert.InDelta(t, 0.9, s.SoC, 1e-4, "step %d", i)
	}
	// the last set point only moves the state of charge past the horizon
	assert.InDelta(t, 6, sol.Steps[7].BatteryKW, 2e-3)
}

func TestSolveShavesPeak(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(4, 8))
	require.NoError(t, err)
	for i, s := range sol.Steps {
		assert.Less(t, s.BatteryKW, 0.0, "step %d", i)
		assert.InDelta(t, -1, s.BatteryKW, 1e-3)
		assert.InDelta(t, s.ForecastKW+s.BatteryKW, s.NetKW, 1e-12)
		assert.True(t, s.Time.Equal(start.Add(time.Duration(i)*15*time.Minute)))
	}
	assert.Equal(t, 0.5, sol.Steps[0].SoC)
	assert.InDelta(t, 0.5-7.0/60, sol.Steps[7].SoC, 1e-4)
	assert.Equal(t, start, sol.CreatedAt)
}

func TestSolveRespectsSoCFloor(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(40, 5), model.DefaultBatteryState(), params(4, 40))
	require.NoError(t, err)
	require.Len(t, sol.Steps, 40)
	for i := 0; i < 39; i++ {
		assert.InDelta(t, -24.0/39, sol.Steps[i].BatteryKW, 2e-3, "step %d", i)
	}
	assert.InDelta(t, -1, sol.Steps[39].BatteryKW, 2e-3)
	assert.InDelta(t, 0.1, sol.Steps[39].SoC, 1e-4)
	for _, s := range sol.Steps {
		assert.GreaterOrEqual(t, s.SoC, 0.1-1e-6)
	}
}

func TestSolvePowerLimitsBind(t *testing.T) {
	b := model.DefaultBatteryState()
	b.MaxDischargeKW = 0.5
	sol, err := newOptimizer().Solve(context.Background(), flat(4, 6), b, params(4, 4))
	require.NoError(t, err)
	for _, s := range sol.Steps {
		assert.InDelta(t, -0.5, s.BatteryKW, 1e-4)
		assert.GreaterOrEqual(t, s.BatteryKW, -0.5)
	}
}

func TestSolveTruncatesToHorizon(t *testing.T) {
	sol, err := newOptimizer().Solve(context.Background(), flat(96, 5), model.DefaultBatteryState(), params(4, 8))
	require.NoError(t, err)
	assert.Len(t, sol.Steps, 8)

	sol, err = newOptimizer().Solve(context.Background(), flat(3, 5), model.DefaultBatteryState(), params(4, 8))
	require.NoError(t, err)
	assert.Len(t, sol.Steps, 3)
}

func TestSolveIsDeterministic(t *testing.T) {
	w := flat(16, 5)
	w[3].LoadKW = 7
	w[9].LoadKW = 2
	a, err := newOptimizer().Solve(context.Background(), w, model.DefaultBatteryState(), params(4, 16))
	require.NoError(t, err)
	b, err := newOptimizer().Solve(context.Background(), w, model.DefaultBatteryState(), params(4, 16))
	require.NoError(t, err)
	assert.Equal(t, a.Steps, b.Steps)
	assert.Equal(t, a.ID, b.ID)
	assert.NotEmpty(t, a.ID)

	c, err := newOptimizer().Solve(context.Background(), w, model.DefaultBatteryState(), params(4.5, 16))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestSolveInfeasibleInitialSoC(t *testing.T) {
	b := model.DefaultBatteryState()
	b.SoC = 0.05
	_, err := newOptimizer().Solve(context.Background(), flat(8, 5), b, params(4, 8))
	assert.ErrorIs(t, err, optimizer.ErrModelInfeasible)

	b.SoC = 0.95
	_, err = newOptimizer().Solve(context.Background(), flat(8, 5), b, params(4, 8))
	assert.ErrorIs(t, err, optimizer.ErrModelInfeasible)
}

func TestSolveRejectsInvalidInputs(t *testing.T) {
	o := newOptimizer()
	_, err := o.Solve(context.Background(), nil, model.DefaultBatteryState(), params(4, 8))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = o.Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(4, 0))
	assert.ErrorIs(t, err, model.ErrValidation)

	b := model.DefaultBatteryState()
	b.CapacityKWh = 0
	_, err = o.Solve(context.Background(), flat(8, 5), b, params(4, 8))
	assert.ErrorIs(t, err, model.ErrValidation)
}

type blockingSolver struct{}

func (blockingSolver) Solve(ctx context.Context, _ *optimizer.Problem) (optimizer.Result, error) {
	<-ctx.Done()
	return optimizer.Result{Status: optimizer.StatusInterrupted}, ctx.Err()
}

type stuckSolver struct{ err error }

func (s stuckSolver) Solve(context.Context, *optimizer.Problem) (optimizer.Result, error) {
	return optimizer.Result{Status: optimizer.StatusMaxIterations, Iterations: 10}, s.err
}

func TestSolveTimeout(t *testing.T) {
	o := optimizer.New(blockingSolver{}, 10*time.Millisecond)
	_, err := o.Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(4, 8))
	assert.ErrorIs(t, err, optimizer.ErrSolveTimeout)
}

func TestSolveSolverFailures(t *testing.T) {
	o := optimizer.New(stuckSolver{}, 0)
	_, err := o.Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(4, 8))
	assert.ErrorIs(t, err, optimizer.ErrSolverFailed)

	o = optimizer.New(stuckSolver{err: errors.New("numerical trouble")}, 0)
	_, err = o.Solve(context.Background(), flat(8, 5), model.DefaultBatteryState(), params(4, 8))
	assert.ErrorIs(t, err, optimizer.ErrSolverFailed)
}

type fixedSolver struct{ x []float64 }

func (s fixedSolver) Solve(context.Context, *optimizer.Problem) (optimizer.Result, error) {
	return optimizer.Result{X: s.x, Status: optimizer.StatusSolved}, nil
}

func TestSolutionOutsideLimitsRejected(t *testing.T) {
	o := optimizer.New(fixedSolver{x: []float64{-5, 0}}, 0)
	_, err := o.Solve(context.Background(), flat(2, 5), model.DefaultBatteryState(), params(4, 2))
	assert.ErrorIs(t, err, optimizer.ErrSolverFailed)

	o = optimizer.New(fixedSolver{x: []float64{-4.0000001, 0}}, 0)
	sol, err := o.Solve(context.Background(), flat(2, 5), model.DefaultBatteryState(), params(4, 2))
	require.NoError(t, err)
	assert.Equal(t, -4.0, sol.Steps[0].BatteryKW)
}

func TestResidualSoCOvershootIsTrimmed(t *testing.T) {
	b := model.DefaultBatteryState()
	b.SoC = b.SoCMax
	o := optimizer.New(fixedSolver{x: []float64{1e-3, 0, 2}}, 0)
	sol, err := o.Solve(context.Background(), flat(3, 1), b, params(8, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0, sol.Steps[0].BatteryKW, 1e-12)
	assert.InDelta(t, 0.9, sol.Steps[1].SoC, 1e-12)
	assert.Equal(t, 2.0, sol.Steps[2].BatteryKW)

	o = optimizer.New(fixedSolver{x: []float64{0.1, 0, 0}}, 0)
	_, err = o.Solve(context.Background(), flat(3, 1), b, params(8, 3))
	assert.ErrorIs(t, err, optimizer.ErrSolverFailed)
}

// Receding horizon against a simulated battery: the plan is re-solved every
// step and only step 0 is applied.
func TestClosedLoopConvergesToFloor(t *testing.T) {
	o := newOptimizer()
	b := model.DefaultBatteryState()
	p := params(4, 8)
	var last model.Step
	for cycle := 0; cycle < 60; cycle++ {
		w := flat(8, 5)
		for i := range w {
			w[i].Time = w[i].Time.Add(time.Duration(cycle) * 15 * time.Minute)
		}
		sol, err := o.Solve(context.Background(), w, b, p)
		require.NoError(t, err, "cycle %d", cycle)
		last = sol.Steps[0]
		b.PowerKW = last.BatteryKW
		b.SoC += b.SoCDelta(last.BatteryKW, b.StepHours)
		if b.SoC < 0.1-1e-5 {
			t.Fatalf("cycle %d: soc %.6f below floor", cycle, b.SoC)
		}
	}
	assert.Less(t, last.BatteryKW, 0.0)
	assert.Greater(t, last.BatteryKW, -0.05)
	assert.Greater(t, last.NetKW, 4.95)
	assert.InDelta(t, 0.1, b.SoC, 1e-3)
}
