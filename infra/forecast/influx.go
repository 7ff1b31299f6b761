package forecast

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	coreforecast "github.com/kilianp07/peakshave/core/forecast"
	"github.com/kilianp07/peakshave/core/model"
)

// InfluxConfig locates the measured active power of one sensor phase.
type InfluxConfig struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement"`
	Field       string `json:"field"`
	Sensor      string `json:"sensor"`
	Phase       string `json:"phase"`
	// ValuesInWatts converts the stored values to kW.
	ValuesInWatts bool          `json:"values_in_watts"`
	Step          time.Duration `json:"-"`
	TimeoutMS     int           `json:"timeout_ms"`
}

func (c *InfluxConfig) setDefaults() {
	if c.Field == "" {
		c.Field = "active_power"
	}
	if c.Step <= 0 {
		c.Step = 15 * time.Minute
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
}

// InfluxSource reads measured load averaged per step. Non-positive readings
// are treated as sensor faults and skipped.
type InfluxSource struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	cfg      InfluxConfig
}

var _ coreforecast.MeasurementSource = (*InfluxSource)(nil)

// NewInfluxSource creates a source. No request is made.
func NewInfluxSource(cfg InfluxConfig) (*InfluxSource, error) {
	cfg.setDefaults()
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" || cfg.Measurement == "" || cfg.Sensor == "" {
		return nil, fmt.Errorf("influx source requires url, org, bucket, measurement and sensor")
	}
	client := influxdb2.NewClientWithOptions(strings.TrimSuffix(cfg.URL, "/"), cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}))
	return &InfluxSource{client: client, queryAPI: client.QueryAPI(cfg.Org), cfg: cfg}, nil
}

// Measurements returns the per-step mean load in [from, to).
func (s *InfluxSource) Measurements(ctx context.Context, from, to time.Time) ([]model.Sample, error) {
	res, err := s.queryAPI.Query(ctx, s.flux(from, to))
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Close() }()
	scale := 1.0
	if s.cfg.ValuesInWatts {
		scale = 1.0 / 1000
	}
	var out []model.Sample
	for res.Next() {
		v, ok := res.Record().Value().(float64)
		if !ok {
			continue
		}
		out = append(out, model.Sample{Time: res.Record().Time().UTC(), LoadKW: v * scale})
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, coreforecast.ErrNoData
	}
	return out, nil
}

// Close releases the client resources.
func (s *InfluxSource) Close() {
	s.client.Close()
}

func (s *InfluxSource) flux(from, to time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", s.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r._field == %q)\n", s.cfg.Measurement, s.cfg.Field)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r.id == %q", s.cfg.Sensor)
	if s.cfg.Phase != "" {
		fmt.Fprintf(&b, " and r.phase == %q", s.cfg.Phase)
	}
	b.WriteString(")\n")
	b.WriteString("  |> filter(fn: (r) => r._value > 0.0)\n")
	fmt.Fprintf(&b, "  |> aggregateWindow(every: %s, fn: mean, createEmpty: false, timeSrc: \"_start\")\n", s.cfg.Step)
	return b.String()
}
