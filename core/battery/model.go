package battery

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/model"
)

// Mode tells whether the model is backed by a physical actuator. It is fixed at
// construction.
type Mode int

const (
	// ModeUnactuated integrates the state of charge locally.
	ModeUnactuated Mode = iota
	// ModeActuated takes power and state of charge from actuator telemetry.
	ModeActuated
)

func (m Mode) String() string {
	if m == ModeActuated {
		return "actuated"
	}
	return "unactuated"
}

var (
	// ErrLimitExceeded is returned when a set point lies outside the power limits.
	ErrLimitExceeded = fmt.Errorf("%w: power limit exceeded", model.ErrValidation)
	// ErrSoCBounds is returned when an integration step would leave the SoC bounds.
	ErrSoCBounds = fmt.Errorf("%w: soc bounds exceeded", model.ErrValidation)
	// ErrActuated is returned by Integrate when telemetry is authoritative.
	ErrActuated = errors.New("integration disabled for actuated battery")
)

// Telemetry is an instantaneous reading from the inverter. Power follows the
// model convention (positive charges the battery).
type Telemetry struct {
	PowerW     float64
	SoCPercent float64
}

// Actuator drives a physical inverter.
type Actuator interface {
	ReadTelemetry(ctx context.Context) (Telemetry, error)
	SetPower(ctx context.Context, watts float64) error
}

// Model holds the battery state. It is owned by the battery agent loop and is
// not safe for concurrent use.
type Model struct {
	state model.BatteryState
	act   Actuator
	mode  Mode
	log   logger.Logger
}

// NewModel validates the initial state and returns a model. With a non-nil
// actuator the model is actuated: the set point is zeroed and the initial
// state of charge is read from telemetry.
func NewModel(ctx context.Context, initial model.BatteryState, act Actuator, log logger.Logger) (*Model, error) {
	if err := initial.ValidateLimits(); err != nil {
		return nil, err
	}
	m := &Model{state: initial, act: act, log: log}
	if act == nil {
		if err := initial.Validate(); err != nil {
			return nil, err
		}
		m.state.Online = false
		return m, nil
	}
	m.mode = ModeActuated
	m.state.Online = true
	m.state.PowerKW = 0
	if err := act.SetPower(ctx, 0); err != nil {
		return nil, fmt.Errorf("reset set point: %w", err)
	}
	if _, err := m.ReadState(ctx); err != nil {
		return nil, fmt.Errorf("initial telemetry: %w", err)
	}
	return m, nil
}

// Mode returns the actuation mode.
func (m *Model) Mode() Mode { return m.mode }

// State returns the last known state without touching the actuator.
func (m *Model) State() model.BatteryState { return m.state }

// ApplyPower sets the commanded power. Values outside the limits are rejected
// without any state change. When actuated the set point is forwarded first and
// only committed once the actuator accepted it.
func (m *Model) ApplyPower(ctx context.Context, p float64) error {
	if !m.state.PowerWithinLimits(p) {
		return fmt.Errorf("%w: %.3f kW not in [%.3f, %.3f]", ErrLimitExceeded, p, -m.state.MaxDischargeKW, m.state.MaxChargeKW)
	}
	if m.act != nil {
		if err := m.act.SetPower(ctx, p*1000); err != nil {
			return fmt.Errorf("actuator set power: %w", err)
		}
	}
	m.state.PowerKW = p
	return nil
}

// Integrate advances the simulated state of charge by one step divided by
// dtScale at the commanded power. A step that would leave [SoCMin, SoCMax] is
// rejected as a whole and the state of charge is held.
func (m *Model) Integrate(dtScale float64) error {
	if m.mode == ModeActuated {
		return ErrActuated
	}
	if !(dtScale > 0) {
		return fmt.Errorf("%w: dt scale must be > 0", model.ErrValidation)
	}
	next := m.state.SoC + m.state.SoCDelta(m.state.PowerKW, m.state.StepHours/dtScale)
	if !m.state.SoCWithinBounds(next) {
		return fmt.Errorf("%w: %.4f not in [%.4f, %.4f]", ErrSoCBounds, next, m.state.SoCMin, m.state.SoCMax)
	}
	m.state.SoC = next
	return nil
}

// ReadState returns the current state. When actuated, power and state of
// charge are refreshed from telemetry first and always win over local values.
func (m *Model) ReadState(ctx context.Context) (model.BatteryState, error) {
	if m.act == nil {
		return m.state, nil
	}
	tm, err := m.act.ReadTelemetry(ctx)
	if err != nil {
		return m.state, fmt.Errorf("read telemetry: %w", err)
	}
	m.state.PowerKW = tm.PowerW / 1000
	m.state.SoC = tm.SoCPercent / 100
	if !m.state.SoCWithinBounds(m.state.SoC) {
		m.log.Warnf("measured soc %.3f outside [%.3f, %.3f]", m.state.SoC, m.state.SoCMin, m.state.SoCMax)
	}
	return m.state, nil
}

// SetParameters merges an allow-listed partial update, all-or-nothing.
func (m *Model) SetParameters(u model.ParameterUpdate) error {
	next, err := m.state.Merge(u)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}
