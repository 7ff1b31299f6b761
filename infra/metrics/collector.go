package metrics

import (
	"time"

	coremetrics "github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/protocol"
)

// StartStatusCollector subscribes to the battery status topic and records
// every snapshot seen on the bus. It lets a process without the battery agent
// export battery gauges. Undecodable payloads are skipped.
func StartStatusCollector(client mqtt.Client, topic, batteryID string, sink coremetrics.MetricsSink) error {
	if client == nil || sink == nil {
		return nil
	}
	return client.Subscribe(topic, func(_ string, payload []byte) {
		st, err := protocol.DecodeStatus(payload)
		if err != nil {
			return
		}
		at := st.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		_ = sink.RecordBatteryState(coremetrics.BatteryStateEvent{BatteryID: batteryID, State: st.BatteryState, Time: at})
	})
}
