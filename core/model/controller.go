package model

import (
	"fmt"
	"math"
)

// Wire keys of the controller parameters.
const (
	KeyThreshold = "p_net_threshold"
	KeyHorizon   = "mpc_window"
)

// ControllerParameters shape the optimisation problem.
type ControllerParameters struct {
	ThresholdKW float64 `json:"p_net_threshold"`
	Horizon     int     `json:"mpc_window"`
}

// DefaultControllerParameters returns a 5 kW threshold over one day of quarter
// hours.
func DefaultControllerParameters() ControllerParameters {
	return ControllerParameters{ThresholdKW: 5, Horizon: 96}
}

// Validate checks the parameters.
func (c ControllerParameters) Validate() error {
	if math.IsNaN(c.ThresholdKW) || math.IsInf(c.ThresholdKW, 0) {
		return invalid(KeyThreshold, "must be finite")
	}
	if c.Horizon < 1 {
		return invalid(KeyHorizon, "must be >= 1")
	}
	return nil
}

// Merge applies a partial update restricted to the controller allow-list,
// all-or-nothing.
func (c ControllerParameters) Merge(u ParameterUpdate) (ControllerParameters, error) {
	next := c
	for _, k := range u.Keys() {
		v := u[k]
		switch k {
		case KeyThreshold:
			next.ThresholdKW = v
		case KeyHorizon:
			if v != math.Trunc(v) || v > math.MaxInt32 {
				return c, invalid(KeyHorizon, "must be an integer")
			}
			next.Horizon = int(v)
		default:
			return c, fmt.Errorf("%w %q", ErrUnknownKey, k)
		}
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}
