// Package store provides the persistent row stores of the monitor agent.
// Importing it registers the "sqlite" and "influx" store types.
package store

import (
	"github.com/kilianp07/peakshave/core/factory"
	"github.com/kilianp07/peakshave/core/monitor"
)

// SQLiteConfig configures the SQLite row store.
type SQLiteConfig struct {
	Path string `json:"path"`
}

func init() {
	_ = monitor.RegisterStore("sqlite", func(conf map[string]any) (monitor.Store, error) {
		var c SQLiteConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewSQLiteStore(c.Path)
	})
	_ = monitor.RegisterStore("influx", func(conf map[string]any) (monitor.Store, error) {
		var c InfluxConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewInfluxStore(c)
	})
}
