package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/peakshave/core/model"
)

const (
	// socTolerance absorbs rounding when checking the initial and planned SoC.
	socTolerance = 1e-6
	// powerTolerance is the largest bound violation accepted from the solver
	// before the power is snapped back to its limits.
	powerTolerance = 1e-3
	// socSnap is the largest SoC bound violation, left by the solver's
	// residual, that is absorbed by trimming the power of the step.
	socSnap = 1e-4
)

// Model is the dispatch problem of one cycle in condensed form. Net power and
// state of charge are eliminated, leaving battery power as the only decision
// variable:
//
//	netPower[t] = load[t] + x[t]
//	soc[t]      = soc0 + k·Σ_{s<t} x[s],  k = η·Δt/capacity
//
// Rows 0..N-1 of A bound x; rows N..2N-2 bound soc[1..N-1].
type Model struct {
	Problem *Problem

	window  model.ForecastWindow
	battery model.BatteryState
	params  model.ControllerParameters
	soc0    float64
	k       float64
}

// Build creates the model from value copies of the inputs. It returns
// ErrModelInfeasible when the initial state of charge violates its bounds:
// with strictly positive power limits x = 0 is otherwise always feasible.
func Build(window model.ForecastWindow, battery model.BatteryState, params model.ControllerParameters) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := battery.ValidateLimits(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	soc0 := battery.SoC
	if soc0 < battery.SoCMin-socTolerance || soc0 > battery.SoCMax+socTolerance {
		return nil, fmt.Errorf("%w: initial soc %.4f outside [%.4f, %.4f]", ErrModelInfeasible, soc0, battery.SoCMin, battery.SoCMax)
	}
	soc0 = math.Min(math.Max(soc0, battery.SoCMin), battery.SoCMax)

	w := window.Truncate(params.Horizon)
	n := len(w)
	k := battery.SoCDelta(1, battery.StepHours)

	P := mat.NewSymDense(n, nil)
	q := make([]float64, n)
	for t, s := range w {
		P.SetSym(t, t, 2)
		q[t] = 2 * (s.LoadKW - params.ThresholdKW)
	}

	m := 2*n - 1
	A := mat.NewDense(m, n, nil)
	l := make([]float64, m)
	u := make([]float64, m)
	for t := 0; t < n; t++ {
		A.Set(t, t, 1)
		l[t] = -battery.MaxDischargeKW
		u[t] = battery.MaxChargeKW
	}
	for t := 1; t < n; t++ {
		row := n + t - 1
		for s := 0; s < t; s++ {
			A.Set(row, s, k)
		}
		l[row] = battery.SoCMin - soc0
		u[row] = battery.SoCMax - soc0
	}

	battery.SoC = soc0
	return &Model{
		Problem: &Problem{P: P, Q: q, A: A, L: l, U: u},
		window:  w,
		battery: battery,
		params:  params,
		soc0:    soc0,
		k:       k,
	}, nil
}

// Horizon returns the number of steps in the model.
func (m *Model) Horizon() int { return len(m.window) }

// Extract turns a solver solution into a dispatch trajectory. Power is checked
// against its limits, snapped into them and the state of charge is recomputed
// through the recursion.
func (m *Model) Extract(x []float64) (model.DispatchSolution, error) {
	if len(x) != len(m.window) {
		return model.DispatchSolution{}, fmt.Errorf("%w: solution has %d entries, want %d", ErrSolverFailed, len(x), len(m.window))
	}
	b := m.battery
	steps := make([]model.Step, len(x))
	soc := m.soc0
	var objective float64
	for t, s := range m.window {
		p := x[t]
		if math.IsNaN(p) || p < -b.MaxDischargeKW-powerTolerance || p > b.MaxChargeKW+powerTolerance {
			return model.DispatchSolution{}, fmt.Errorf("%w: power %.4f kW at step %d outside limits", ErrSolverFailed, p, t)
		}
		p = math.Min(math.Max(p, -b.MaxDischargeKW), b.MaxChargeKW)
		if t+1 < len(x) && m.k > 0 {
			switch next := soc + m.k*p; {
			case next > b.SoCMax && next <= b.SoCMax+socSnap:
				p = (b.SoCMax - soc) / m.k
			case next < b.SoCMin && next >= b.SoCMin-socSnap:
				p = (b.SoCMin - soc) / m.k
			}
		}
		if soc < b.SoCMin-socTolerance || soc > b.SoCMax+socTolerance {
			return model.DispatchSolution{}, fmt.Errorf("%w: soc %.6f at step %d outside bounds", ErrSolverFailed, soc, t)
		}
		net := s.LoadKW + p
		objective += (net - m.params.ThresholdKW) * (net - m.params.ThresholdKW)
		steps[t] = model.Step{Time: s.Time, ForecastKW: s.LoadKW, BatteryKW: p, NetKW: net, SoC: soc}
		soc += m.k * p
	}
	return model.DispatchSolution{
		Objective:  objective,
		Steps:      steps,
		Battery:    b,
		Controller: m.params,
	}, nil
}
