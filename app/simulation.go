package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/battery"
	"github.com/kilianp07/peakshave/core/controller"
	"github.com/kilianp07/peakshave/core/forecast"
	"github.com/kilianp07/peakshave/core/monitor"
	"github.com/kilianp07/peakshave/core/protocol"
	"github.com/kilianp07/peakshave/infra/logger"
	"github.com/kilianp07/peakshave/internal/eventbus"
)

// drainPasses bounds the chained deliveries handled by one drain.
const drainPasses = 16

// simClock advances one forecast step per iteration.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

// Simulation runs the forecast, controller, battery and monitor agents in
// process over an in-memory bus. Each Step is one lockstep iteration:
//
//  1. forecast tick
//  2. controller drain
//  3. battery drain
//  4. battery tick
//  5. controller drain
//  6. monitor drain
type Simulation struct {
	bus   *eventbus.Bus
	clock *simClock
	step  time.Duration
	max   int
	steps int
	obs   *Observability
	log   logger.Logger

	forecast   *forecast.Agent
	controller *controller.Controller
	battery    *battery.Agent
	monitor    *monitor.Agent

	forecastLoop   *agent.Loop
	controllerLoop *agent.Loop
	batteryLoop    *agent.Loop
	monitorLoop    *agent.Loop

	closers closers
}

// Result summarises a finished run.
type Result struct {
	Steps     int
	Completed bool
	PeakKW    float64
	FinalSoC  float64
}

// NewSimulation builds every agent on a fresh bus. The replay source must be
// a scenario file or the replay_days history.
func NewSimulation(ctx context.Context, cfg *config.Config) (*Simulation, error) {
	if err := cfg.ValidateFor(config.RoleSimulate); err != nil {
		return nil, err
	}
	obs, err := SetupObservability(cfg, config.RoleSimulate)
	if err != nil {
		return nil, err
	}
	topics, err := protocol.NewTopics(cfg.IDs)
	if err != nil {
		return nil, fmt.Errorf("%w: ids: %v", config.ErrConfig, err)
	}
	var opts []eventbus.Option
	if cfg.Simulation.Duplicate {
		opts = append(opts, eventbus.WithDuplicates())
	}
	s := &Simulation{
		bus:   eventbus.New(opts...),
		clock: &simClock{},
		step:  time.Duration(cfg.Forecast.StepMinutes) * time.Minute,
		max:   cfg.Simulation.MaxSteps,
		obs:   obs,
		log:   logger.New("simulation"),
	}
	s.closers.add(s.bus.Close)
	if err := s.build(ctx, cfg, topics); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Simulation) build(ctx context.Context, cfg *config.Config, topics protocol.Topics) error {
	w := wiring{cfg: cfg, topics: topics, pub: s.bus, sink: s.obs.Sink, closers: &s.closers}
	newLoop := func(name string) *agent.Loop {
		return agent.New(name, logger.New(name), agent.WithClock(s.clock.Now), agent.WithMetrics(s.obs.Sink))
	}
	s.forecastLoop = newLoop(config.RoleForecast)
	s.controllerLoop = newLoop(config.RoleController)
	s.batteryLoop = newLoop(config.RoleBattery)
	s.monitorLoop = newLoop(config.RoleMonitor)

	series, err := w.replaySeries(ctx, time.Now())
	if err != nil {
		return err
	}
	s.clock.now = series[0].Time
	fa, err := forecast.NewReplay(w.forecastConfig(), topics, series, s.bus, s.forecastLoop, logger.New("forecast"))
	if err != nil {
		return err
	}
	s.forecast = fa

	if s.controller, err = w.newController(s.controllerLoop, true); err != nil {
		return err
	}

	// one tick integrates a whole step in dt_scale sub-steps
	bc := w.batteryConfig()
	bc.SubSteps = int(math.Max(1, math.Round(bc.DtScale)))
	bc.DtScale = float64(bc.SubSteps)
	bc.StopOnSimulationEnd = true
	if s.battery, err = w.newBattery(ctx, s.batteryLoop, bc); err != nil {
		return err
	}
	if s.monitor, err = w.newMonitor(s.monitorLoop); err != nil {
		return err
	}

	for _, l := range []*agent.Loop{s.controllerLoop, s.batteryLoop, s.monitorLoop} {
		if err := l.Subscribe(s.bus); err != nil {
			return err
		}
	}
	// initial status so the controller starts linked
	s.batteryLoop.Drain(ctx, drainPasses)
	s.controllerLoop.Drain(ctx, drainPasses)
	return nil
}

// Done reports whether the monitor saw the stop command or the step budget is
// spent.
func (s *Simulation) Done() bool {
	return s.monitorLoop.Stopped() || (s.max > 0 && s.steps >= s.max)
}

// Step runs one lockstep iteration and advances the clock by one step.
func (s *Simulation) Step(ctx context.Context) error {
	if err := s.forecast.Tick(ctx); err != nil {
		return fmt.Errorf("forecast tick: %w", err)
	}
	s.controllerLoop.Drain(ctx, drainPasses)
	s.batteryLoop.Drain(ctx, drainPasses)
	if !s.batteryLoop.Stopped() {
		if err := s.battery.Tick(ctx); err != nil {
			return fmt.Errorf("battery tick: %w", err)
		}
	}
	s.controllerLoop.Drain(ctx, drainPasses)
	s.monitorLoop.Drain(ctx, drainPasses)
	s.steps++
	s.clock.now = s.clock.now.Add(s.step)
	return ctx.Err()
}

// Run steps until the stop command went through every agent or ctx ends.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	s.obs.Start(ctx)
	for !s.Done() {
		if err := s.Step(ctx); err != nil {
			return s.result(ctx), err
		}
	}
	res := s.result(ctx)
	s.log.Infof("simulation finished after %d steps, peak net demand %.2f kW, final soc %.3f", res.Steps, res.PeakKW, res.FinalSoC)
	return res, nil
}

func (s *Simulation) result(ctx context.Context) Result {
	res := Result{
		Steps:     s.steps,
		Completed: s.monitorLoop.Stopped(),
		FinalSoC:  s.battery.Model().State().SoC,
	}
	rows, err := s.monitor.Store().Rows(ctx, monitor.Query{Channels: []string{monitor.ChannelNetDemand}})
	if err != nil {
		s.log.Warnf("read net demand: %v", err)
		return res
	}
	for i, r := range rows {
		if i == 0 || r.Value > res.PeakKW {
			res.PeakKW = r.Value
		}
	}
	return res
}

// Controller returns the controller agent.
func (s *Simulation) Controller() *controller.Controller { return s.controller }

// Battery returns the battery agent.
func (s *Simulation) Battery() *battery.Agent { return s.battery }

// Monitor returns the monitor agent.
func (s *Simulation) Monitor() *monitor.Agent { return s.monitor }

// Close releases the stores and the bus.
func (s *Simulation) Close() error {
	err := s.closers.close()
	s.obs.Close()
	return err
}
