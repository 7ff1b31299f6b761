package battery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/protocol"
)

// AgentConfig tunes the battery agent loop.
type AgentConfig struct {
	BatteryID string
	// ReportInterval is the period of the integration and status tick.
	ReportInterval time.Duration
	// DtScale divides the step duration for every integration.
	DtScale float64
	// SubSteps is the number of integrations performed per tick.
	SubSteps int
	// CommandTimeout enables emergency replay when no command arrived for
	// that long. Zero disables it.
	CommandTimeout time.Duration
	// StopOnSimulationEnd ends the loop on the stop sentinel.
	StopOnSimulationEnd bool
}

func (c *AgentConfig) setDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Second
	}
	if c.DtScale <= 0 {
		c.DtScale = 1
	}
	if c.SubSteps <= 0 {
		c.SubSteps = 1
	}
}

// Agent connects a Model to the bus. It applies step 0 of every command
// batch, keeps the whole batch as the emergency plan and broadcasts full
// status snapshots.
type Agent struct {
	cfg    AgentConfig
	topics protocol.Topics
	model  *Model
	pub    mqtt.Publisher
	loop   *agent.Loop
	log    logger.Logger
	sink   metrics.MetricsSink

	plan        model.EmergencyPlan
	lastCommand time.Time
	emergency   bool
}

// NewAgent registers the battery handlers and the report tick on loop.
func NewAgent(cfg AgentConfig, topics protocol.Topics, m *Model, pub mqtt.Publisher, loop *agent.Loop, log logger.Logger, sink metrics.MetricsSink) *Agent {
	cfg.setDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	a := &Agent{cfg: cfg, topics: topics, model: m, pub: pub, loop: loop, log: log, sink: sink}
	loop.Handle(topics.BatteryCommand, a.handleCommand)
	loop.Handle(topics.BatteryParams, a.handleParameters)
	loop.Handle(agent.ConnectedTopic, func(ctx context.Context, _ agent.Message) error {
		return a.PublishStatus(ctx)
	})
	if cfg.StopOnSimulationEnd {
		loop.Handle(topics.Stop, func(context.Context, agent.Message) error {
			a.log.Infof("simulation stop received")
			loop.Stop()
			return nil
		})
	}
	loop.Every("battery-report", cfg.ReportInterval, a.Tick)
	return a
}

// Model returns the underlying battery model.
func (a *Agent) Model() *Model { return a.model }

// Plan returns the retained emergency plan.
func (a *Agent) Plan() model.EmergencyPlan { return a.plan }

// Emergency reports whether the agent is replaying its emergency plan.
func (a *Agent) Emergency() bool { return a.emergency }

func (a *Agent) handleCommand(ctx context.Context, msg agent.Message) error {
	batch, err := protocol.DecodeCommand(msg.Payload)
	if err != nil {
		return err
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	now := a.loop.Now()
	if !a.plan.Empty() {
		if batch.Equal(a.plan.Batch) {
			a.log.Debugf("duplicate command batch starting %s ignored", batch.Start().Format(time.RFC3339))
			return nil
		}
		if batch.Start().Before(a.plan.Batch.Start()) {
			return fmt.Errorf("%w: batch starting %s precedes current plan %s", protocol.ErrStale,
				batch.Start().Format(time.RFC3339), a.plan.Batch.Start().Format(time.RFC3339))
		}
	}
	if err := a.model.ApplyPower(ctx, batch[0].BatteryKW); err != nil {
		return err
	}
	a.plan = model.EmergencyPlan{Batch: batch, ReceivedAt: now}
	a.lastCommand = now
	if a.emergency {
		a.log.Infof("commands resumed, leaving emergency replay")
		a.emergency = false
	}
	a.log.Debugw("set point applied", map[string]any{"power_kw": batch[0].BatteryKW, "steps": len(batch)})
	return nil
}

func (a *Agent) handleParameters(ctx context.Context, msg agent.Message) error {
	u, err := protocol.DecodeUpdate(msg.Payload)
	if err != nil {
		return err
	}
	if err := a.model.SetParameters(u); err != nil {
		return err
	}
	a.log.Infof("battery parameters updated: %v", u.Keys())
	return a.PublishStatus(ctx)
}

// Tick runs the emergency watchdog, integrates the simulated state of charge
// and broadcasts the status.
func (a *Agent) Tick(ctx context.Context) error {
	a.watchdog(ctx)
	if a.model.Mode() == ModeUnactuated {
		for i := 0; i < a.cfg.SubSteps; i++ {
			if err := a.model.Integrate(a.cfg.DtScale); err != nil {
				if errors.Is(err, ErrSoCBounds) {
					a.log.Warnf("integration held: %v", err)
					break
				}
				return err
			}
		}
	}
	return a.PublishStatus(ctx)
}

func (a *Agent) watchdog(ctx context.Context) {
	if a.cfg.CommandTimeout <= 0 || a.plan.Empty() {
		return
	}
	now := a.loop.Now()
	if now.Sub(a.lastCommand) < a.cfg.CommandTimeout {
		return
	}
	if !a.emergency {
		a.log.Warnf("no command for %s, replaying emergency plan", now.Sub(a.lastCommand).Round(time.Second))
		a.emergency = true
	}
	step := time.Duration(a.model.State().StepHours * float64(time.Hour))
	p, ok := a.plan.PowerAt(now, step)
	if !ok {
		p = 0
	}
	if p == a.model.State().PowerKW {
		return
	}
	if err := a.model.ApplyPower(ctx, p); err != nil {
		a.log.Errorf("emergency set point %.3f kW: %v", p, err)
		if !errors.Is(err, model.ErrValidation) || p == 0 {
			return
		}
		if err := a.model.ApplyPower(ctx, 0); err != nil {
			a.log.Errorf("emergency zero set point: %v", err)
		}
	}
}

// PublishStatus broadcasts a full snapshot of the battery state.
func (a *Agent) PublishStatus(ctx context.Context) error {
	st, err := a.model.ReadState(ctx)
	if err != nil {
		return err
	}
	now := a.loop.Now()
	payload, err := protocol.EncodeStatus(st, now)
	if err != nil {
		return err
	}
	if err := a.pub.Publish(a.topics.BatteryStatus, payload); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	if err := a.sink.RecordBatteryState(metrics.BatteryStateEvent{BatteryID: a.cfg.BatteryID, State: st, Emergency: a.emergency, Time: now}); err != nil {
		a.log.Debugf("record battery state: %v", err)
	}
	return nil
}
