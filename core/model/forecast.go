package model

import (
	"fmt"
	"time"
)

// Sample is one timestamped load value in kW.
type Sample struct {
	Time   time.Time `json:"datetimeFC"`
	LoadKW float64   `json:"value"`
}

// ForecastWindow is an ordered series of load samples at a fixed spacing.
type ForecastWindow []Sample

// Validate checks that timestamps strictly increase at a fixed spacing.
func (w ForecastWindow) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("%w: empty forecast window", ErrValidation)
	}
	times := make([]time.Time, len(w))
	for i, s := range w {
		times[i] = s.Time
	}
	return checkSeries(times)
}

// Start returns the first timestamp of the window.
func (w ForecastWindow) Start() time.Time {
	if len(w) == 0 {
		return time.Time{}
	}
	return w[0].Time
}

// Step returns the spacing between samples, or zero for windows shorter than two.
func (w ForecastWindow) Step() time.Duration {
	if len(w) < 2 {
		return 0
	}
	return w[1].Time.Sub(w[0].Time)
}

// Truncate returns a copy holding at most n samples.
func (w ForecastWindow) Truncate(n int) ForecastWindow {
	if n > len(w) {
		n = len(w)
	}
	out := make(ForecastWindow, n)
	copy(out, w[:n])
	return out
}

func checkSeries(times []time.Time) error {
	if len(times) < 2 {
		return nil
	}
	step := times[1].Sub(times[0])
	if step <= 0 {
		return fmt.Errorf("%w: timestamps must strictly increase", ErrValidation)
	}
	for i := 2; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]); d != step {
			return fmt.Errorf("%w: irregular spacing at index %d (%s, want %s)", ErrValidation, i, d, step)
		}
	}
	return nil
}
