package metrics

import (
	"time"

	"github.com/kilianp07/peakshave/core/model"
)

// Solve statuses.
const (
	StatusOptimal    = "optimal"
	StatusInfeasible = "infeasible"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// SolveEvent describes one optimisation cycle.
type SolveEvent struct {
	ControlID string
	Status    string
	Duration  time.Duration
	Objective float64
	Steps     int
	Time      time.Time
}

// CommandEvent describes a set point decision of the controller. Forwarded is
// false while the controller withholds commands.
type CommandEvent struct {
	BatteryID string
	PlanID    string
	PowerKW   float64
	Forwarded bool
	Time      time.Time
}

// BatteryStateEvent is a snapshot of the battery agent.
type BatteryStateEvent struct {
	BatteryID string
	State     model.BatteryState
	Emergency bool
	Time      time.Time
}

// RejectEvent records a dropped message.
type RejectEvent struct {
	Agent string
	Topic string
	Kind  string
	Time  time.Time
}

// MetricsSink records agent events for observability purposes.
type MetricsSink interface {
	RecordSolve(ev SolveEvent) error
	RecordCommand(ev CommandEvent) error
	RecordBatteryState(ev BatteryStateEvent) error
	RecordReject(ev RejectEvent) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordSolve(SolveEvent) error               { return nil }
func (NopSink) RecordCommand(CommandEvent) error           { return nil }
func (NopSink) RecordBatteryState(BatteryStateEvent) error { return nil }
func (NopSink) RecordReject(RejectEvent) error             { return nil }
