package store

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/peakshave/core/monitor"
)

// InfluxConfig configures the InfluxDB row store.
type InfluxConfig struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement"`
	TimeoutMS   int    `json:"timeout_ms"`
}

func (c *InfluxConfig) setDefaults() {
	if c.Measurement == "" {
		c.Measurement = "peakshave_monitor"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
}

func (c InfluxConfig) validate() error {
	if c.URL == "" || c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("influx store requires url, org and bucket")
	}
	return nil
}

// InfluxStore writes rows as points tagged by channel. InfluxDB overwrites a
// point with the same measurement, tags and time, which gives the upsert.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	cfg      InfluxConfig
}

var _ monitor.Store = (*InfluxStore)(nil)

// NewInfluxStore creates a store for the given endpoint. No request is made.
func NewInfluxStore(cfg InfluxConfig) (*InfluxStore, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}))
	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		cfg:      cfg,
	}, nil
}

// Write sends every row as one point.
func (s *InfluxStore) Write(ctx context.Context, rows []monitor.Row) error {
	if len(rows) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, write.NewPointWithMeasurement(s.cfg.Measurement).
			AddTag("channel", r.Channel).
			AddField("value", r.Value).
			SetTime(r.Time))
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// Rows runs a Flux query and returns the matching rows sorted.
func (s *InfluxStore) Rows(ctx context.Context, q monitor.Query) ([]monitor.Row, error) {
	res, err := s.queryAPI.Query(ctx, fluxQuery(s.cfg.Bucket, s.cfg.Measurement, q))
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Close() }()
	var out []monitor.Row
	for res.Next() {
		rec := res.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		ch, _ := rec.ValueByKey("channel").(string)
		out = append(out, monitor.Row{Time: rec.Time().UTC(), Channel: ch, Value: v})
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	monitor.SortRows(out)
	return out, nil
}

// Close releases the client resources.
func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

func fluxQuery(bucket, measurement string, q monitor.Query) string {
	start := "0"
	if !q.Start.IsZero() {
		start = q.Start.UTC().Format(time.RFC3339Nano)
	}
	stop := "now()"
	if !q.End.IsZero() {
		// range stop is exclusive
		stop = q.End.UTC().Add(time.Nanosecond).Format(time.RFC3339Nano)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r._field == \"value\")\n", measurement)
	if len(q.Channels) > 0 {
		conds := make([]string, len(q.Channels))
		for i, c := range q.Channels {
			conds[i] = fmt.Sprintf("r.channel == %q", c)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	return b.String()
}
