package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBatteryStateValid(t *testing.T) {
	require.NoError(t, DefaultBatteryState().Validate())
}

func TestBatteryValidateLimits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BatteryState)
	}{
		{"capacity", func(b *BatteryState) { b.CapacityKWh = 0 }},
		{"discharge", func(b *BatteryState) { b.MaxDischargeKW = -1 }},
		{"charge", func(b *BatteryState) { b.MaxChargeKW = 0 }},
		{"step", func(b *BatteryState) { b.StepHours = 0 }},
		{"efficiency zero", func(b *BatteryState) { b.Efficiency = 0 }},
		{"efficiency above one", func(b *BatteryState) { b.Efficiency = 1.2 }},
		{"soc bounds inverted", func(b *BatteryState) { b.SoCMin, b.SoCMax = 0.9, 0.1 }},
		{"soc max above one", func(b *BatteryState) { b.SoCMax = 1.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := DefaultBatteryState()
			tc.mutate(&b)
			err := b.ValidateLimits()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBatteryValidateInvariants(t *testing.T) {
	b := DefaultBatteryState()
	b.SoC = 0.95
	assert.NoError(t, b.ValidateLimits())
	assert.ErrorIs(t, b.Validate(), ErrValidation)

	b = DefaultBatteryState()
	b.PowerKW = -4.5
	assert.ErrorIs(t, b.Validate(), ErrValidation)
}

func TestBatteryMerge(t *testing.T) {
	b := DefaultBatteryState()
	next, err := b.Merge(ParameterUpdate{KeyCapacity: 20, KeySoCMin: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 20.0, next.CapacityKWh)
	assert.Equal(t, 0.2, next.SoCMin)
	assert.Equal(t, 15.0, b.CapacityKWh, "receiver must not change")
}

func TestBatteryMergeRejectsUnknownKeyAtomically(t *testing.T) {
	b := DefaultBatteryState()
	next, err := b.Merge(ParameterUpdate{KeyCapacity: 20, "colour": 1})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	assert.Equal(t, b, next)
}

func TestBatteryMergeRejectsStateKeys(t *testing.T) {
	b := DefaultBatteryState()
	_, err := b.Merge(ParameterUpdate{KeySoC: 0.7})
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = b.Merge(ParameterUpdate{KeyPower: 1})
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestBatteryMergeRejectsBoundsExcludingSoC(t *testing.T) {
	b := DefaultBatteryState()
	_, err := b.Merge(ParameterUpdate{KeySoCMin: 0.6})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSoCDelta(t *testing.T) {
	b := DefaultBatteryState()
	assert.InDelta(t, -1.0/60, b.SoCDelta(-1, 0.25), 1e-12)
	b.Efficiency = 0.5
	assert.InDelta(t, 0.05, b.SoCDelta(6, 0.25), 1e-12)
}
