// Package monitor persists the step 0 of every plan and the measured load,
// and renders a report when the simulation stops.
package monitor

import (
	"context"
	"fmt"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/protocol"
)

// Reporter renders the persisted rows once the run ends.
type Reporter interface {
	Report(ctx context.Context, rows []Row) error
}

// Agent subscribes to results, sensor, forecast and stop.
type Agent struct {
	topics   protocol.Topics
	store    Store
	loop     *agent.Loop
	log      logger.Logger
	reporter Reporter

	forecast model.ForecastWindow
	stopped  bool
}

// New registers the monitor handlers on loop. reporter may be nil.
func New(topics protocol.Topics, store Store, reporter Reporter, loop *agent.Loop, log logger.Logger) *Agent {
	a := &Agent{topics: topics, store: store, loop: loop, log: log, reporter: reporter}
	loop.Handle(topics.Results, a.handleResults)
	loop.Handle(topics.Sensor, a.handleSensor)
	loop.Handle(topics.Forecast, a.handleForecast)
	loop.Handle(topics.Stop, a.handleStop)
	return a
}

// LastForecast returns the most recent forecast window.
func (a *Agent) LastForecast() model.ForecastWindow { return a.forecast }

// Store returns the backing store.
func (a *Agent) Store() Store { return a.store }

func (a *Agent) handleResults(ctx context.Context, msg agent.Message) error {
	sol, err := protocol.DecodeSolution(msg.Payload)
	if err != nil {
		return err
	}
	rows := SolutionRows(sol)
	if len(rows) == 0 {
		return fmt.Errorf("%w: solution without steps", model.ErrValidation)
	}
	return a.write(ctx, rows)
}

func (a *Agent) handleSensor(ctx context.Context, msg agent.Message) error {
	w, err := protocol.DecodeForecast(msg.Payload)
	if err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	return a.write(ctx, SensorRows(w))
}

func (a *Agent) handleForecast(_ context.Context, msg agent.Message) error {
	w, err := protocol.DecodeForecast(msg.Payload)
	if err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	a.forecast = w
	return nil
}

func (a *Agent) handleStop(ctx context.Context, _ agent.Message) error {
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.log.Infof("simulation stopped")
	defer a.loop.Stop()
	if a.reporter == nil {
		return nil
	}
	rows, err := a.store.Rows(ctx, Query{})
	if err != nil {
		return fmt.Errorf("read rows for report: %w", err)
	}
	if err := a.reporter.Report(ctx, rows); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	a.log.Infof("report written with %d rows", len(rows))
	return nil
}

func (a *Agent) write(ctx context.Context, rows []Row) error {
	if err := a.store.Write(ctx, rows); err != nil {
		return fmt.Errorf("persist %d rows: %w", len(rows), err)
	}
	return nil
}
