// Package export renders monitor rows as a CSV table and an HTML chart.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kilianp07/peakshave/core/monitor"
)

// Report formats.
const (
	FormatCSV  = "csv"
	FormatHTML = "html"
)

var powerChannels = []string{
	monitor.ChannelMeasuredLoad,
	monitor.ChannelForecast,
	monitor.ChannelBattery,
	monitor.ChannelNetDemand,
	monitor.ChannelThreshold,
}

var socChannels = []string{
	monitor.ChannelSoC,
	monitor.ChannelSoCMin,
	monitor.ChannelSoCMax,
}

// WriteCSV writes one line per timestamp and one column per channel. Missing
// values are left empty.
func WriteCSV(w io.Writer, rows []monitor.Row) error {
	times, series := monitor.Pivot(rows)
	channels := sortedChannels(series)
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"time"}, channels...)); err != nil {
		return err
	}
	for i, at := range times {
		rec := make([]string, 0, len(channels)+1)
		rec = append(rec, at.UTC().Format(time.RFC3339))
		for _, ch := range channels {
			v := series[ch][i]
			if math.IsNaN(v) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteHTML renders a power chart and a state of charge chart.
func WriteHTML(w io.Writer, rows []monitor.Row) error {
	times, series := monitor.Pivot(rows)
	xAxis := make([]string, len(times))
	for i, at := range times {
		xAxis[i] = at.UTC().Format("2006-01-02 15:04")
	}
	page := components.NewPage()
	page.PageTitle = "Peak shaving report"
	page.AddCharts(
		lineChart("Power", "kW", xAxis, series, powerChannels),
		lineChart("State of charge", "fraction", xAxis, series, socChannels),
	)
	return page.Render(w)
}

func lineChart(title, unit string, xAxis []string, series map[string][]float64, channels []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	line.SetXAxis(xAxis)
	for _, ch := range channels {
		values, ok := series[ch]
		if !ok {
			continue
		}
		data := make([]opts.LineData, len(values))
		for i, v := range values {
			if math.IsNaN(v) {
				// echarts draws a gap for "-"
				data[i] = opts.LineData{Value: "-"}
				continue
			}
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(ch, data)
	}
	return line
}

func sortedChannels(series map[string][]float64) []string {
	out := make([]string, 0, len(series))
	for ch := range series {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Reporter writes report.<format> files into Dir. It implements
// monitor.Reporter.
type Reporter struct {
	Dir     string
	Formats []string
}

var _ monitor.Reporter = (*Reporter)(nil)

// NewReporter validates the formats. No formats means CSV and HTML.
func NewReporter(dir string, formats []string) (*Reporter, error) {
	if len(formats) == 0 {
		formats = []string{FormatCSV, FormatHTML}
	}
	for _, f := range formats {
		if f != FormatCSV && f != FormatHTML {
			return nil, fmt.Errorf("unknown report format %q", f)
		}
	}
	return &Reporter{Dir: dir, Formats: formats}, nil
}

// Report writes every configured format.
func (r *Reporter) Report(ctx context.Context, rows []monitor.Row) error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	for _, f := range r.Formats {
		if err := ctx.Err(); err != nil {
			return err
		}
		write := WriteCSV
		if f == FormatHTML {
			write = WriteHTML
		}
		if err := r.writeFile(filepath.Join(r.Dir, "report."+f), rows, write); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) writeFile(path string, rows []monitor.Row, write func(io.Writer, []monitor.Row) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
