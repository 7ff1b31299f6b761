package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/infra/logger"
)

// InfluxSink writes agent events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSolve writes one optimisation cycle.
func (s *InfluxSink) RecordSolve(ev coremetrics.SolveEvent) error {
	return s.write(write.NewPointWithMeasurement("solve").
		AddTag("control_id", ev.ControlID).
		AddTag("status", ev.Status).
		AddField("duration_ms", round3(float64(ev.Duration)/float64(time.Millisecond))).
		AddField("objective", round3(ev.Objective)).
		AddField("steps", ev.Steps).
		SetTime(ev.Time))
}

// RecordCommand writes a command decision.
func (s *InfluxSink) RecordCommand(ev coremetrics.CommandEvent) error {
	return s.write(write.NewPointWithMeasurement("command").
		AddTag("battery_id", ev.BatteryID).
		AddTag("forwarded", strconv.FormatBool(ev.Forwarded)).
		AddTag("plan_id", ev.PlanID).
		AddField("power_kw", round3(ev.PowerKW)).
		SetTime(ev.Time))
}

// RecordBatteryState writes a battery snapshot.
func (s *InfluxSink) RecordBatteryState(ev coremetrics.BatteryStateEvent) error {
	return s.write(write.NewPointWithMeasurement("battery_state").
		AddTag("battery_id", ev.BatteryID).
		AddField("soc", round3(ev.State.SoC)).
		AddField("power_kw", round3(ev.State.PowerKW)).
		AddField("online", ev.State.Online).
		AddField("emergency", ev.Emergency).
		SetTime(ev.Time))
}

// RecordReject writes a dropped message.
func (s *InfluxSink) RecordReject(ev coremetrics.RejectEvent) error {
	return s.write(write.NewPointWithMeasurement("rejected_message").
		AddTag("agent", ev.Agent).
		AddTag("kind", ev.Kind).
		AddField("topic", ev.Topic).
		SetTime(ev.Time))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
