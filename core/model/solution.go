package model

import (
	"fmt"
	"time"
)

// Step is one horizon entry of a dispatch solution.
type Step struct {
	Time       time.Time `json:"datetimeFC"`
	ForecastKW float64   `json:"forecast"`
	BatteryKW  float64   `json:"p_battery"`
	NetKW      float64   `json:"p_net_demand"`
	SoC        float64   `json:"soc_battery"`
}

// DispatchSolution is the trajectory computed in one optimisation cycle
// together with the parameters it was computed from.
type DispatchSolution struct {
	ID         string               `json:"id"`
	CreatedAt  time.Time            `json:"created_at"`
	Objective  float64              `json:"objective"`
	Steps      []Step               `json:"steps"`
	Battery    BatteryState         `json:"battery"`
	Controller ControllerParameters `json:"controller"`
}

// First returns step 0.
func (s DispatchSolution) First() (Step, bool) {
	if len(s.Steps) == 0 {
		return Step{}, false
	}
	return s.Steps[0], true
}

// Commands extracts the battery power series sent to the battery agent.
func (s DispatchSolution) Commands() CommandBatch {
	out := make(CommandBatch, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = Command{Time: st.Time, BatteryKW: st.BatteryKW}
	}
	return out
}

// Command is one timestamped battery set point.
type Command struct {
	Time      time.Time `json:"datetimeFC"`
	BatteryKW float64   `json:"p_battery"`
}

// CommandBatch is the full horizon of set points sent with every plan.
type CommandBatch []Command

// Validate checks the batch is non-empty with strictly increasing timestamps.
func (c CommandBatch) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: empty command batch", ErrValidation)
	}
	times := make([]time.Time, len(c))
	for i, cmd := range c {
		times[i] = cmd.Time
	}
	return checkSeries(times)
}

// Start returns the timestamp of the first set point.
func (c CommandBatch) Start() time.Time {
	if len(c) == 0 {
		return time.Time{}
	}
	return c[0].Time
}

// Step returns the spacing between set points, zero when unknown.
func (c CommandBatch) Step() time.Duration {
	if len(c) < 2 {
		return 0
	}
	return c[1].Time.Sub(c[0].Time)
}

// Equal reports whether both batches carry the same set points.
func (c CommandBatch) Equal(o CommandBatch) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if !c[i].Time.Equal(o[i].Time) || c[i].BatteryKW != o[i].BatteryKW {
			return false
		}
	}
	return true
}

// EmergencyPlan is the last accepted command batch kept by the battery agent
// for autonomous operation when commands stop arriving.
type EmergencyPlan struct {
	Batch      CommandBatch
	ReceivedAt time.Time
}

// Empty reports whether no plan has been received yet.
func (p EmergencyPlan) Empty() bool { return len(p.Batch) == 0 }

// PowerAt returns the set point to replay at now. Steps are indexed by the time
// elapsed since receipt divided by the plan spacing (or step when the plan has
// a single entry). The second result is false once the plan is exhausted.
func (p EmergencyPlan) PowerAt(now time.Time, step time.Duration) (float64, bool) {
	if p.Empty() {
		return 0, false
	}
	if s := p.Batch.Step(); s > 0 {
		step = s
	}
	if step <= 0 {
		return 0, false
	}
	elapsed := now.Sub(p.ReceivedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	idx := int(elapsed / step)
	if idx >= len(p.Batch) {
		return 0, false
	}
	return p.Batch[idx].BatteryKW, true
}
