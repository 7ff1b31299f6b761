// Package planlog keeps an append-only history of controller cycles.
package planlog

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/core/model"
)

// Record captures one optimisation cycle, successful or not.
type Record struct {
	Timestamp time.Time               `json:"timestamp"`
	ControlID string                  `json:"control_id"`
	PlanID    string                  `json:"plan_id,omitempty"`
	Status    string                  `json:"status"`
	Error     string                  `json:"error,omitempty"`
	Duration  time.Duration           `json:"duration"`
	Forwarded bool                    `json:"forwarded"`
	Solution  *model.DispatchSolution `json:"solution,omitempty"`
}

// Query filters records. Zero fields match everything.
type Query struct {
	Start  time.Time
	End    time.Time
	Status string
}

func (q Query) match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	return q.Status == "" || r.Status == q.Status
}

// Store persists records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	// Backend is "jsonl", "sqlite" or empty to disable the log.
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Open returns the configured store, or a no-op store when disabled.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NopStore{}, nil
	case "jsonl":
		return NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown plan log backend %q", cfg.Backend)
	}
}

// NopStore discards every record.
type NopStore struct{}

func (NopStore) Append(context.Context, Record) error           { return nil }
func (NopStore) Query(context.Context, Query) ([]Record, error) { return nil, nil }
func (NopStore) Close() error                                   { return nil }
