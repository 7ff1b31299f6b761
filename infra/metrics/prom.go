package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/peakshave/core/metrics"
)

// PromSink records agent events in Prometheus metrics.
type PromSink struct {
	solves    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	objective *prometheus.GaugeVec
	commands  *prometheus.CounterVec
	setpoint  *prometheus.GaugeVec
	soc       *prometheus.GaugeVec
	power     *prometheus.GaugeVec
	emergency *prometheus.GaugeVec
	rejects   *prometheus.CounterVec
}

// NewPromSink registers the metrics on the default Prometheus registerer.
// The HTTP endpoint is started separately with StartPromServer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	s, err := NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by a previous sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakshave_solves_total",
			Help: "Optimisation cycles by outcome",
		}, []string{"control_id", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peakshave_solve_duration_seconds",
			Help:    "Wall time of an optimisation cycle",
			Buckets: prometheus.DefBuckets,
		}, []string{"control_id"}),
		objective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakshave_objective",
			Help: "Objective value of the last solved plan",
		}, []string{"control_id"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakshave_commands_total",
			Help: "Command decisions of the controller",
		}, []string{"battery_id", "forwarded"}),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakshave_setpoint_kw",
			Help: "Step 0 battery power of the last plan",
		}, []string{"battery_id"}),
		soc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakshave_battery_soc",
			Help: "Battery state of charge (0-1)",
		}, []string{"battery_id"}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakshave_battery_power_kw",
			Help: "Battery power, positive when charging",
		}, []string{"battery_id"}),
		emergency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakshave_battery_emergency",
			Help: "1 while the battery replays its emergency plan",
		}, []string{"battery_id"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakshave_rejected_messages_total",
			Help: "Messages dropped by the agents",
		}, []string{"agent", "kind"}),
	}
	var err error
	if s.solves, err = register(reg, s.solves); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, s.duration); err != nil {
		return nil, err
	}
	if s.objective, err = register(reg, s.objective); err != nil {
		return nil, err
	}
	if s.commands, err = register(reg, s.commands); err != nil {
		return nil, err
	}
	if s.setpoint, err = register(reg, s.setpoint); err != nil {
		return nil, err
	}
	if s.soc, err = register(reg, s.soc); err != nil {
		return nil, err
	}
	if s.power, err = register(reg, s.power); err != nil {
		return nil, err
	}
	if s.emergency, err = register(reg, s.emergency); err != nil {
		return nil, err
	}
	if s.rejects, err = register(reg, s.rejects); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordSolve counts the cycle and observes its duration.
func (s *PromSink) RecordSolve(ev coremetrics.SolveEvent) error {
	s.solves.WithLabelValues(ev.ControlID, ev.Status).Inc()
	s.duration.WithLabelValues(ev.ControlID).Observe(ev.Duration.Seconds())
	if ev.Status == coremetrics.StatusOptimal {
		s.objective.WithLabelValues(ev.ControlID).Set(ev.Objective)
	}
	return nil
}

// RecordCommand counts forwarded and withheld commands.
func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.BatteryID, strconv.FormatBool(ev.Forwarded)).Inc()
	s.setpoint.WithLabelValues(ev.BatteryID).Set(ev.PowerKW)
	return nil
}

// RecordBatteryState updates the battery gauges.
func (s *PromSink) RecordBatteryState(ev coremetrics.BatteryStateEvent) error {
	s.soc.WithLabelValues(ev.BatteryID).Set(ev.State.SoC)
	s.power.WithLabelValues(ev.BatteryID).Set(ev.State.PowerKW)
	e := 0.0
	if ev.Emergency {
		e = 1
	}
	s.emergency.WithLabelValues(ev.BatteryID).Set(e)
	return nil
}

// RecordReject counts dropped messages.
func (s *PromSink) RecordReject(ev coremetrics.RejectEvent) error {
	s.rejects.WithLabelValues(ev.Agent, ev.Kind).Inc()
	return nil
}
