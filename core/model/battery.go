package model

import (
	"fmt"
	"math"
)

// Wire keys of the battery parameters.
const (
	KeyCapacity     = "pb_nom"
	KeyMaxDischarge = "pb_discharge_max"
	KeyMaxCharge    = "pb_charge_max"
	KeyStepHours    = "delta_t"
	KeySoCMin       = "soc_min"
	KeySoCMax       = "soc_max"
	KeyEfficiency   = "efficiency"
	KeySoC          = "soc_ini"
	KeyPower        = "pb_actual_power"
)

// BatteryState describes the physical limits and the current state of a
// battery. Power is measured into the battery: positive values charge,
// negative values discharge.
type BatteryState struct {
	CapacityKWh    float64 `json:"pb_nom"`
	MaxDischargeKW float64 `json:"pb_discharge_max"`
	MaxChargeKW    float64 `json:"pb_charge_max"`
	StepHours      float64 `json:"delta_t"`
	SoCMin         float64 `json:"soc_min"`
	SoCMax         float64 `json:"soc_max"`
	Efficiency     float64 `json:"efficiency"`
	SoC            float64 `json:"soc_ini"`
	PowerKW        float64 `json:"pb_actual_power"`
	Online         bool    `json:"online"`
}

// DefaultBatteryState returns the parameters of the reference 15 kWh battery.
func DefaultBatteryState() BatteryState {
	return BatteryState{
		CapacityKWh:    15,
		MaxDischargeKW: 4,
		MaxChargeKW:    6,
		StepHours:      0.25,
		SoCMin:         0.1,
		SoCMax:         0.9,
		Efficiency:     1,
		SoC:            0.5,
	}
}

var batterySetters = map[string]func(*BatteryState, float64){
	KeyCapacity:     func(b *BatteryState, v float64) { b.CapacityKWh = v },
	KeyMaxDischarge: func(b *BatteryState, v float64) { b.MaxDischargeKW = v },
	KeyMaxCharge:    func(b *BatteryState, v float64) { b.MaxChargeKW = v },
	KeyStepHours:    func(b *BatteryState, v float64) { b.StepHours = v },
	KeySoCMin:       func(b *BatteryState, v float64) { b.SoCMin = v },
	KeySoCMax:       func(b *BatteryState, v float64) { b.SoCMax = v },
	KeyEfficiency:   func(b *BatteryState, v float64) { b.Efficiency = v },
}

// ValidateLimits checks the physical parameters only. The state of charge and
// the commanded power are not inspected.
func (b BatteryState) ValidateLimits() error {
	switch {
	case !positive(b.CapacityKWh):
		return invalid(KeyCapacity, "must be > 0")
	case !positive(b.MaxDischargeKW):
		return invalid(KeyMaxDischarge, "must be > 0")
	case !positive(b.MaxChargeKW):
		return invalid(KeyMaxCharge, "must be > 0")
	case !positive(b.StepHours):
		return invalid(KeyStepHours, "must be > 0")
	case !positive(b.Efficiency) || b.Efficiency > 1:
		return invalid(KeyEfficiency, "must be in (0,1]")
	case math.IsNaN(b.SoCMin) || b.SoCMin < 0:
		return invalid(KeySoCMin, "must be >= 0")
	case math.IsNaN(b.SoCMax) || b.SoCMax > 1:
		return invalid(KeySoCMax, "must be <= 1")
	case b.SoCMin >= b.SoCMax:
		return invalid(KeySoCMin, "must be below soc_max")
	case math.IsNaN(b.SoC) || math.IsInf(b.SoC, 0):
		return invalid(KeySoC, "must be finite")
	case math.IsNaN(b.PowerKW) || math.IsInf(b.PowerKW, 0):
		return invalid(KeyPower, "must be finite")
	}
	return nil
}

// Validate checks the limits and the invariants binding the state to them.
func (b BatteryState) Validate() error {
	if err := b.ValidateLimits(); err != nil {
		return err
	}
	if !b.SoCWithinBounds(b.SoC) {
		return invalid(KeySoC, fmt.Sprintf("%.4f outside [%.4f, %.4f]", b.SoC, b.SoCMin, b.SoCMax))
	}
	if !b.PowerWithinLimits(b.PowerKW) {
		return invalid(KeyPower, fmt.Sprintf("%.3f kW outside limits", b.PowerKW))
	}
	return nil
}

// PowerWithinLimits reports whether p lies in [-MaxDischargeKW, MaxChargeKW].
func (b BatteryState) PowerWithinLimits(p float64) bool {
	return p >= -b.MaxDischargeKW && p <= b.MaxChargeKW
}

// SoCWithinBounds reports whether soc lies in [SoCMin, SoCMax].
func (b BatteryState) SoCWithinBounds(soc float64) bool {
	return soc >= b.SoCMin && soc <= b.SoCMax
}

// SoCDelta is the change in state of charge caused by holding p kW for the
// given number of hours.
func (b BatteryState) SoCDelta(p, hours float64) float64 {
	return b.Efficiency * p * hours / b.CapacityKWh
}

// Merge applies a partial update restricted to the battery allow-list. The
// update is all-or-nothing: an unknown key or an invalid result leaves b
// untouched and returns an error.
func (b BatteryState) Merge(u ParameterUpdate) (BatteryState, error) {
	next := b
	for _, k := range u.Keys() {
		set, ok := batterySetters[k]
		if !ok {
			return b, fmt.Errorf("%w %q", ErrUnknownKey, k)
		}
		set(&next, u[k])
	}
	if err := next.Validate(); err != nil {
		return b, err
	}
	return next, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
