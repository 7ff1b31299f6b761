package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/kilianp07/peakshave/core/model"
)

// Channels persisted by the monitor.
const (
	ChannelForecast     = "forecast"
	ChannelBattery      = "p_battery"
	ChannelNetDemand    = "p_net_demand"
	ChannelSoC          = "soc_battery"
	ChannelThreshold    = "p_net_threshold"
	ChannelSoCMin       = "soc_min"
	ChannelSoCMax       = "soc_max"
	ChannelMeasuredLoad = "measured_load"
)

// Row is one (timestamp, channel, value) record. Rows are unique on
// (Time, Channel).
type Row struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
}

// SolutionRows returns the step 0 rows of a dispatch solution.
func SolutionRows(sol model.DispatchSolution) []Row {
	s, ok := sol.First()
	if !ok {
		return nil
	}
	at := s.Time.UTC()
	return []Row{
		{at, ChannelForecast, s.ForecastKW},
		{at, ChannelBattery, s.BatteryKW},
		{at, ChannelNetDemand, s.NetKW},
		{at, ChannelSoC, s.SoC},
		{at, ChannelThreshold, sol.Controller.ThresholdKW},
		{at, ChannelSoCMin, sol.Battery.SoCMin},
		{at, ChannelSoCMax, sol.Battery.SoCMax},
	}
}

// SensorRows returns the measured load row of the first sample of w.
func SensorRows(w model.ForecastWindow) []Row {
	if len(w) == 0 {
		return nil
	}
	return []Row{{w[0].Time.UTC(), ChannelMeasuredLoad, w[0].LoadKW}}
}

// Query filters rows. Zero fields match everything.
type Query struct {
	Start    time.Time
	End      time.Time
	Channels []string
}

func (q Query) match(r Row) bool {
	if !q.Start.IsZero() && r.Time.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Time.After(q.End) {
		return false
	}
	if len(q.Channels) == 0 {
		return true
	}
	for _, c := range q.Channels {
		if c == r.Channel {
			return true
		}
	}
	return false
}

// SortRows orders rows by time then channel.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Time.Equal(rows[j].Time) {
			return rows[i].Time.Before(rows[j].Time)
		}
		return rows[i].Channel < rows[j].Channel
	})
}

// Pivot groups rows into per channel series ordered by time.
func Pivot(rows []Row) (times []time.Time, series map[string][]float64) {
	sorted := append([]Row(nil), rows...)
	SortRows(sorted)
	index := map[int64]int{}
	for _, r := range sorted {
		k := r.Time.UnixNano()
		if _, ok := index[k]; !ok {
			index[k] = len(times)
			times = append(times, r.Time)
		}
	}
	series = map[string][]float64{}
	for _, r := range sorted {
		s, ok := series[r.Channel]
		if !ok {
			s = make([]float64, len(times))
			for i := range s {
				s[i] = math.NaN()
			}
		}
		s[index[r.Time.UnixNano()]] = r.Value
		series[r.Channel] = s
	}
	return times, series
}
