package metrics

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSolve forwards the event to all sinks, returning the first error.
func (m *MultiSink) RecordSolve(ev SolveEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSolve(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand forwards command events.
func (m *MultiSink) RecordCommand(ev CommandEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordCommand(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordBatteryState forwards battery snapshots.
func (m *MultiSink) RecordBatteryState(ev BatteryStateEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordBatteryState(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordReject forwards rejected message events.
func (m *MultiSink) RecordReject(ev RejectEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordReject(ev); err != nil {
			return err
		}
	}
	return nil
}
