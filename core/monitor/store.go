package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/kilianp07/peakshave/core/factory"
)

// Store persists rows with upsert semantics on (Time, Channel).
type Store interface {
	Write(ctx context.Context, rows []Row) error
	Rows(ctx context.Context, q Query) ([]Row, error)
	Close() error
}

var storeRegistry = factory.NewRegistry[Store]()

func init() {
	_ = RegisterStore("memory", func(map[string]any) (Store, error) { return NewMemoryStore(), nil })
}

// RegisterStore adds a store factory identified by name.
func RegisterStore(name string, f factory.Factory[Store]) error {
	return storeRegistry.Register(name, f)
}

// StoreTypes lists the registered store types.
func StoreTypes() []string { return storeRegistry.Types() }

// NewStore creates the configured stores. Writes go to every store, reads to
// the first one. No configuration yields an in-memory store.
func NewStore(cfgs []factory.ModuleConfig) (Store, error) {
	if len(cfgs) == 0 {
		return NewMemoryStore(), nil
	}
	stores := make([]Store, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := storeRegistry.Create(c)
		if err != nil {
			for _, open := range stores {
				_ = open.Close()
			}
			return nil, err
		}
		stores = append(stores, s)
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return MultiStore(stores), nil
}

// MultiStore fans writes out to several stores.
type MultiStore []Store

// Write forwards rows to every store and joins the errors.
func (m MultiStore) Write(ctx context.Context, rows []Row) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rows reads from the first store.
func (m MultiStore) Rows(ctx context.Context, q Query) ([]Row, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].Rows(ctx, q)
}

// Close closes every store.
func (m MultiStore) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type rowKey struct {
	at      int64
	channel string
}

// MemoryStore keeps rows in memory.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[rowKey]Row
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[rowKey]Row{}}
}

func (m *MemoryStore) Write(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[rowKey{r.Time.UnixNano(), r.Channel}] = r
	}
	return nil
}

func (m *MemoryStore) Rows(_ context.Context, q Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		if q.match(r) {
			out = append(out, r)
		}
	}
	SortRows(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
