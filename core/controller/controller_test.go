package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/optimizer"
	"github.com/kilianp07/peakshave/core/planlog"
	"github.com/kilianp07/peakshave/core/protocol"
	"github.com/kilianp07/peakshave/infra/logger"
	"github.com/kilianp07/peakshave/infra/qp"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	payload []byte
}

type recordingPublisher struct{ msgs []published }

func (r *recordingPublisher) Publish(topic string, payload []byte) error {
	r.msgs = append(r.msgs, published{topic, payload})
	return nil
}

func (r *recordingPublisher) on(topic string) [][]byte {
	var out [][]byte
	for _, m := range r.msgs {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

type recordingSink struct {
	metrics.NopSink
	solves   []metrics.SolveEvent
	commands []metrics.CommandEvent
}

func (s *recordingSink) RecordSolve(e metrics.SolveEvent) error {
	s.solves = append(s.solves, e)
	return nil
}

func (s *recordingSink) RecordCommand(e metrics.CommandEvent) error {
	s.commands = append(s.commands, e)
	return nil
}

type memoryLog struct {
	planlog.NopStore
	recs []planlog.Record
}

func (m *memoryLog) Append(_ context.Context, r planlog.Record) error {
	m.recs = append(m.recs, r)
	return nil
}

type harness struct {
	ctrl   *Controller
	loop   *agent.Loop
	pub    *recordingPublisher
	sink   *recordingSink
	plans  *memoryLog
	topics protocol.Topics
}

func newHarness(t *testing.T, planner Planner) *harness {
	t.Helper()
	topics, err := protocol.NewTopics(protocol.Identifiers{Sensor: "s", Phase: "l1", BatteryID: "1", ControlID: "1"})
	require.NoError(t, err)
	if planner == nil {
		planner = optimizer.New(qp.NewADMM(qp.Settings{}), 5*time.Second)
	}
	loop := agent.New("controller", logger.NopLogger{}, agent.WithClock(func() time.Time { return t0 }))
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	plans := &memoryLog{}
	cfg := Config{
		ControlID:   "1",
		BatteryID:   "1",
		Placeholder: model.DefaultBatteryState(),
		Params:      model.ControllerParameters{ThresholdKW: 4, Horizon: 8},
	}
	c, err := New(cfg, topics, planner, pub, loop, logger.NopLogger{}, WithMetrics(sink), WithPlanLog(plans))
	require.NoError(t, err)
	return &harness{ctrl: c, loop: loop, pub: pub, sink: sink, plans: plans, topics: topics}
}

func forecast(t *testing.T, start time.Time, n int, load float64) []byte {
	t.Helper()
	w := make(model.ForecastWindow, n)
	for i := range w {
		w[i] = model.Sample{Time: start.Add(time.Duration(i) * 15 * time.Minute), LoadKW: load}
	}
	b, err := protocol.EncodeForecast(w)
	require.NoError(t, err)
	return b
}

func status(t *testing.T, st model.BatteryState) []byte {
	t.Helper()
	b, err := protocol.EncodeStatus(st, t0)
	require.NoError(t, err)
	return b
}

func (h *harness) run(topic string, payload []byte) {
	h.loop.Deliver(topic, payload)
	h.loop.RunOnce(context.Background())
}

func TestColdStartWithholdsCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))

	assert.Equal(t, StateColdStart, h.ctrl.State())
	require.Len(t, h.pub.on(h.topics.Results), 1)
	assert.Empty(t, h.pub.on(h.topics.BatteryCommand))
	require.Len(t, h.sink.commands, 1)
	assert.False(t, h.sink.commands[0].Forwarded)

	sol, err := protocol.DecodeSolution(h.pub.on(h.topics.Results)[0])
	require.NoError(t, err)
	assert.Len(t, sol.Steps, 8)
	assert.InDelta(t, -1, sol.Steps[0].BatteryKW, 1e-3)
}

func TestFirstStatusLinksAndForwards(t *testing.T) {
	h := newHarness(t, nil)
	st := model.DefaultBatteryState()
	st.SoC = 0.6
	st.Online = true
	h.run(h.topics.BatteryStatus, status(t, st))
	assert.Equal(t, StateLinked, h.ctrl.State())
	assert.Equal(t, st, h.ctrl.Battery())

	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	cmds := h.pub.on(h.topics.BatteryCommand)
	require.Len(t, cmds, 1)
	batch, err := protocol.DecodeCommand(cmds[0])
	require.NoError(t, err)
	require.Len(t, batch, 8)
	assert.True(t, batch.Start().Equal(t0))
	assert.Less(t, batch[0].BatteryKW, 0.0)
	assert.True(t, h.sink.commands[0].Forwarded)
}

func TestInvalidStatusIgnored(t *testing.T) {
	h := newHarness(t, nil)
	st := model.DefaultBatteryState()
	st.CapacityKWh = 0
	h.run(h.topics.BatteryStatus, status(t, st))
	h.run(h.topics.BatteryStatus, nil)
	assert.Equal(t, StateColdStart, h.ctrl.State())
	assert.Equal(t, model.DefaultBatteryState(), h.ctrl.Battery())
}

func TestStaleStatusDropped(t *testing.T) {
	h := newHarness(t, nil)
	newer := model.DefaultBatteryState()
	newer.SoC = 0.4
	b, err := protocol.EncodeStatus(newer, t0.Add(15*time.Minute))
	require.NoError(t, err)
	h.run(h.topics.BatteryStatus, b)

	older := model.DefaultBatteryState()
	older.SoC = 0.7
	h.run(h.topics.BatteryStatus, status(t, older))
	assert.Equal(t, 0.4, h.ctrl.Battery().SoC)

	// the same snapshot delivered again is applied
	h.run(h.topics.BatteryStatus, b)
	assert.Equal(t, newer, h.ctrl.Battery())
}

func TestInfeasibleKeepsPreviousPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	prev, ok := h.ctrl.Plan()
	require.True(t, ok)
	published := len(h.pub.msgs)

	st := model.DefaultBatteryState()
	st.SoC = 0.05
	h.run(h.topics.BatteryStatus, status(t, st))
	assert.Equal(t, StateLinked, h.ctrl.State())

	h.run(h.topics.Forecast, forecast(t, t0.Add(15*time.Minute), 8, 5))
	assert.Len(t, h.pub.msgs, published)
	cur, ok := h.ctrl.Plan()
	require.True(t, ok)
	assert.Equal(t, prev.ID, cur.ID)

	require.Len(t, h.sink.solves, 2)
	assert.Equal(t, metrics.StatusInfeasible, h.sink.solves[1].Status)
	require.Len(t, h.plans.recs, 2)
	assert.Equal(t, metrics.StatusInfeasible, h.plans.recs[1].Status)
	assert.NotEmpty(t, h.plans.recs[1].Error)
}

func TestInfeasibleWithoutPlan(t *testing.T) {
	h := newHarness(t, nil)
	st := model.DefaultBatteryState()
	st.SoC = 0.95
	h.run(h.topics.BatteryStatus, status(t, st))
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	_, ok := h.ctrl.Plan()
	assert.False(t, ok)
	assert.Empty(t, h.pub.msgs)
}

type failingPlanner struct{ err error }

func (f failingPlanner) Solve(context.Context, model.ForecastWindow, model.BatteryState, model.ControllerParameters) (model.DispatchSolution, error) {
	return model.DispatchSolution{}, f.err
}

func TestSolveTimeoutPublishesNothing(t *testing.T) {
	h := newHarness(t, failingPlanner{err: fmt.Errorf("%w after 1s", optimizer.ErrSolveTimeout)})
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	assert.Empty(t, h.pub.msgs)
	require.Len(t, h.sink.solves, 1)
	assert.Equal(t, metrics.StatusTimeout, h.sink.solves[0].Status)
}

func TestStaleForecastDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.Forecast, forecast(t, t0.Add(time.Hour), 8, 5))
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	assert.Len(t, h.pub.on(h.topics.Results), 1)
	assert.Len(t, h.sink.solves, 1)

	// re-delivery of the current forecast re-solves to the same plan
	h.run(h.topics.Forecast, forecast(t, t0.Add(time.Hour), 8, 5))
	results := h.pub.on(h.topics.Results)
	require.Len(t, results, 2)
	a, err := protocol.DecodeSolution(results[0])
	require.NoError(t, err)
	b, err := protocol.DecodeSolution(results[1])
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Steps, b.Steps)
}

func TestMalformedForecastDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.Forecast, []byte(`[{"datetimeFC":"2024-03-01T12:00:00Z","value":5},{"datetimeFC":"2024-03-01T11:00:00Z","value":5}]`))
	h.run(h.topics.Forecast, []byte("{"))
	h.run(h.topics.Forecast, nil)
	assert.Empty(t, h.pub.msgs)
	assert.Empty(t, h.sink.solves)
}

func TestParameterUpdates(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.ControlParams, []byte(`{"mpc_window": 4, "p_net_threshold": 4.5}`))
	assert.Equal(t, model.ControllerParameters{ThresholdKW: 4.5, Horizon: 4}, h.ctrl.Params())

	h.run(h.topics.ControlParams, []byte(`{"mpc_window": 6, "pb_nom": 3}`))
	h.run(h.topics.ControlParams, []byte(`{"mpc_window": 2.5}`))
	h.run(h.topics.ControlParams, []byte(`{"mpc_window": 0}`))
	assert.Equal(t, model.ControllerParameters{ThresholdKW: 4.5, Horizon: 4}, h.ctrl.Params())

	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	sol, ok := h.ctrl.Plan()
	require.True(t, ok)
	assert.Len(t, sol.Steps, 4)
	assert.Equal(t, 4.5, sol.Controller.ThresholdKW)
}

func TestPlanLogRecordsCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.run(h.topics.BatteryStatus, status(t, model.DefaultBatteryState()))
	h.run(h.topics.Forecast, forecast(t, t0, 8, 5))
	require.Len(t, h.plans.recs, 1)
	rec := h.plans.recs[0]
	assert.Equal(t, metrics.StatusOptimal, rec.Status)
	assert.True(t, rec.Forwarded)
	require.NotNil(t, rec.Solution)
	assert.Equal(t, rec.PlanID, rec.Solution.ID)
}

func TestStopOnSimulationEnd(t *testing.T) {
	topics, err := protocol.NewTopics(protocol.Identifiers{Sensor: "s", Phase: "l1", BatteryID: "1", ControlID: "1"})
	require.NoError(t, err)
	loop := agent.New("controller", logger.NopLogger{})
	_, err = New(Config{
		Placeholder:         model.DefaultBatteryState(),
		Params:              model.DefaultControllerParameters(),
		StopOnSimulationEnd: true,
	}, topics, failingPlanner{}, &recordingPublisher{}, loop, logger.NopLogger{})
	require.NoError(t, err)
	stop, err := protocol.EncodeStop(t0)
	require.NoError(t, err)
	loop.Deliver(topics.Stop, stop)
	loop.RunOnce(context.Background())
	assert.True(t, loop.Stopped())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	topics, err := protocol.NewTopics(protocol.Identifiers{Sensor: "s", Phase: "l1", BatteryID: "1", ControlID: "1"})
	require.NoError(t, err)
	bad := model.DefaultBatteryState()
	bad.MaxChargeKW = -1
	_, err = New(Config{Placeholder: bad, Params: model.DefaultControllerParameters()}, topics, failingPlanner{},
		&recordingPublisher{}, agent.New("c", logger.NopLogger{}), logger.NopLogger{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, metrics.StatusOptimal, Outcome(nil))
	assert.Equal(t, metrics.StatusInfeasible, Outcome(optimizer.ErrModelInfeasible))
	assert.Equal(t, metrics.StatusTimeout, Outcome(optimizer.ErrSolveTimeout))
	assert.Equal(t, metrics.StatusFailed, Outcome(optimizer.ErrSolverFailed))
}
