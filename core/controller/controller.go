// Package controller implements the receding horizon peak shaving controller
// agent.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/monitoring"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/optimizer"
	"github.com/kilianp07/peakshave/core/planlog"
	"github.com/kilianp07/peakshave/core/protocol"
)

// State is the link state of the controller.
type State int

const (
	// StateColdStart uses the configured placeholder battery. Plans are
	// published but commands are withheld.
	StateColdStart State = iota
	// StateLinked is entered on the first valid battery status and never left.
	StateLinked
)

func (s State) String() string {
	if s == StateLinked {
		return "linked"
	}
	return "cold_start"
}

// Planner computes a dispatch solution.
type Planner interface {
	Solve(ctx context.Context, window model.ForecastWindow, battery model.BatteryState, params model.ControllerParameters) (model.DispatchSolution, error)
}

// Config holds the controller identity and its starting parameters.
type Config struct {
	ControlID           string
	BatteryID           string
	Placeholder         model.BatteryState
	Params              model.ControllerParameters
	StopOnSimulationEnd bool
}

// Controller mirrors the battery, solves one plan per forecast and forwards the
// set points once linked.
type Controller struct {
	cfg     Config
	topics  protocol.Topics
	planner Planner
	pub     mqtt.Publisher
	loop    *agent.Loop
	log     logger.Logger
	sink    metrics.MetricsSink
	plans   planlog.Store

	state         State
	battery       model.BatteryState
	params        model.ControllerParameters
	forecast      model.ForecastWindow
	forecastStart time.Time
	statusAt      time.Time
	plan          *model.DispatchSolution
}

// Option customises a Controller.
type Option func(*Controller)

// WithMetrics records solve and command events.
func WithMetrics(s metrics.MetricsSink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithPlanLog appends every cycle to store.
func WithPlanLog(store planlog.Store) Option {
	return func(c *Controller) {
		if store != nil {
			c.plans = store
		}
	}
}

// New validates the configuration and registers the controller handlers on loop.
func New(cfg Config, topics protocol.Topics, planner Planner, pub mqtt.Publisher, loop *agent.Loop, log logger.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Placeholder.ValidateLimits(); err != nil {
		return nil, fmt.Errorf("placeholder battery: %w", err)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("controller parameters: %w", err)
	}
	c := &Controller{
		cfg:     cfg,
		topics:  topics,
		planner: planner,
		pub:     pub,
		loop:    loop,
		log:     log,
		sink:    metrics.NopSink{},
		plans:   planlog.NopStore{},
		battery: cfg.Placeholder,
		params:  cfg.Params,
	}
	for _, o := range opts {
		o(c)
	}
	loop.Handle(topics.Forecast, c.handleForecast)
	loop.Handle(topics.BatteryStatus, c.handleStatus)
	loop.Handle(topics.ControlParams, c.handleParameters)
	if cfg.StopOnSimulationEnd {
		loop.Handle(topics.Stop, func(context.Context, agent.Message) error {
			c.log.Infof("simulation stop received")
			loop.Stop()
			return nil
		})
	}
	return c, nil
}

// State returns the link state.
func (c *Controller) State() State { return c.state }

// Battery returns the battery mirror.
func (c *Controller) Battery() model.BatteryState { return c.battery }

// Params returns the controller parameters.
func (c *Controller) Params() model.ControllerParameters { return c.params }

// PlanLog returns the store receiving one record per cycle.
func (c *Controller) PlanLog() planlog.Store { return c.plans }

// Plan returns the last successful solution.
func (c *Controller) Plan() (model.DispatchSolution, bool) {
	if c.plan == nil {
		return model.DispatchSolution{}, false
	}
	return *c.plan, true
}

func (c *Controller) handleForecast(ctx context.Context, msg agent.Message) error {
	w, err := protocol.DecodeForecast(msg.Payload)
	if err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if !c.forecastStart.IsZero() && w.Start().Before(c.forecastStart) {
		return fmt.Errorf("%w: forecast starting %s precedes %s", protocol.ErrStale,
			w.Start().Format(time.RFC3339), c.forecastStart.Format(time.RFC3339))
	}
	want := time.Duration(c.battery.StepHours * float64(time.Hour))
	if step := w.Step(); step != 0 && step != want {
		c.log.Warnf("forecast spacing %s differs from battery step %s", step, want)
	}
	c.forecast = w
	c.forecastStart = w.Start()
	return c.cycle(ctx)
}

func (c *Controller) handleStatus(_ context.Context, msg agent.Message) error {
	st, err := protocol.DecodeStatus(msg.Payload)
	if err != nil {
		return err
	}
	if err := st.BatteryState.ValidateLimits(); err != nil {
		return err
	}
	if !st.Timestamp.IsZero() && st.Timestamp.Before(c.statusAt) {
		return fmt.Errorf("%w: status taken at %s precedes %s", protocol.ErrStale,
			st.Timestamp.Format(time.RFC3339), c.statusAt.Format(time.RFC3339))
	}
	c.battery = st.BatteryState
	if !st.Timestamp.IsZero() {
		c.statusAt = st.Timestamp
	}
	if c.state == StateColdStart {
		c.state = StateLinked
		c.log.Infof("battery %s linked, soc %.3f", c.cfg.BatteryID, st.SoC)
	}
	return nil
}

func (c *Controller) handleParameters(_ context.Context, msg agent.Message) error {
	u, err := protocol.DecodeUpdate(msg.Payload)
	if err != nil {
		return err
	}
	next, err := c.params.Merge(u)
	if err != nil {
		return err
	}
	c.params = next
	c.log.Infof("controller parameters updated: threshold %.2f kW, horizon %d", next.ThresholdKW, next.Horizon)
	return nil
}

// cycle solves the current forecast against the mirror. A failed solve keeps
// the previous plan and publishes nothing.
func (c *Controller) cycle(ctx context.Context) error {
	started := c.loop.Now()
	sol, err := c.planner.Solve(ctx, c.forecast, c.battery, c.params)
	elapsed := c.loop.Now().Sub(started)
	status := Outcome(err)

	if rerr := c.sink.RecordSolve(metrics.SolveEvent{
		ControlID: c.cfg.ControlID,
		Status:    status,
		Duration:  elapsed,
		Objective: sol.Objective,
		Steps:     len(sol.Steps),
		Time:      started,
	}); rerr != nil {
		c.log.Debugf("record solve: %v", rerr)
	}

	rec := planlog.Record{Timestamp: started, ControlID: c.cfg.ControlID, Status: status, Duration: elapsed}
	if err != nil {
		rec.Error = err.Error()
		c.appendLog(ctx, rec)
		if errors.Is(err, model.ErrValidation) {
			return err
		}
		c.log.Errorf("solve failed, keeping previous plan: %v", err)
		monitoring.CaptureException(err, map[string]string{"agent": "controller", "status": status})
		return nil
	}

	c.plan = &sol
	rec.PlanID = sol.ID
	rec.Solution = &sol
	defer func() { c.appendLog(ctx, rec) }()

	payload, err := protocol.EncodeSolution(sol)
	if err != nil {
		return err
	}
	if err := c.pub.Publish(c.topics.Results, payload); err != nil {
		return fmt.Errorf("publish results: %w", err)
	}
	first, _ := sol.First()
	c.log.Debugw("plan computed", map[string]any{
		"plan_id":  sol.ID,
		"power_kw": first.BatteryKW,
		"net_kw":   first.NetKW,
		"state":    c.state.String(),
	})

	forwarded := c.state == StateLinked
	if forwarded {
		cmd, err := protocol.EncodeCommand(sol.Commands())
		if err != nil {
			return err
		}
		if err := c.pub.Publish(c.topics.BatteryCommand, cmd); err != nil {
			return fmt.Errorf("publish command: %w", err)
		}
	}
	rec.Forwarded = forwarded
	if rerr := c.sink.RecordCommand(metrics.CommandEvent{
		BatteryID: c.cfg.BatteryID,
		PlanID:    sol.ID,
		PowerKW:   first.BatteryKW,
		Forwarded: forwarded,
		Time:      started,
	}); rerr != nil {
		c.log.Debugf("record command: %v", rerr)
	}
	return nil
}

func (c *Controller) appendLog(ctx context.Context, rec planlog.Record) {
	if err := c.plans.Append(ctx, rec); err != nil {
		c.log.Warnf("plan log append: %v", err)
	}
}

// Outcome maps a solve error to its metrics status.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOptimal
	case errors.Is(err, optimizer.ErrModelInfeasible):
		return metrics.StatusInfeasible
	case errors.Is(err, optimizer.ErrSolveTimeout):
		return metrics.StatusTimeout
	default:
		return metrics.StatusFailed
	}
}
