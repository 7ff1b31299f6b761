package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/monitoring"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/protocol"
)

// ConnectedTopic is a local pseudo topic delivered by transports after every
// (re)connection. It never reaches the broker.
const ConnectedTopic = "$local/connected"

// maxIdle bounds the wait between iterations when no task is scheduled.
const maxIdle = time.Second

// Message is an inbound payload waiting in the inbox.
type Message struct {
	Topic   string
	Payload []byte
	At      time.Time
}

// Handler processes one message to completion on the loop goroutine.
type Handler func(ctx context.Context, msg Message) error

// Task is a periodic job run on the loop goroutine.
type Task func(ctx context.Context) error

type task struct {
	name  string
	every time.Duration
	next  time.Time
	fn    Task
}

// Loop is the cooperative, single threaded scheduler of one agent. Each
// iteration drains the messages pending at its start, then runs every
// periodic task that is due. Only Deliver and Stop may be called from other
// goroutines.
type Loop struct {
	name string
	log  logger.Logger
	now  func() time.Time
	rec  metrics.MetricsSink

	mu    sync.Mutex
	inbox []Message
	wake  chan struct{}

	handlers map[string]Handler
	tasks    []*task
	stopped  atomic.Bool
}

// Option customises a Loop.
type Option func(*Loop)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithMetrics records rejected messages on the sink.
func WithMetrics(s metrics.MetricsSink) Option {
	return func(l *Loop) { l.rec = s }
}

// New returns an idle loop for the named agent.
func New(name string, log logger.Logger, opts ...Option) *Loop {
	l := &Loop{
		name:     name,
		log:      log,
		now:      time.Now,
		rec:      metrics.NopSink{},
		wake:     make(chan struct{}, 1),
		handlers: make(map[string]Handler),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now returns the loop clock.
func (l *Loop) Now() time.Time { return l.now() }

// Handle registers h for messages on topic. It must be called before Run.
func (l *Loop) Handle(topic string, h Handler) {
	l.handlers[topic] = h
}

// Every schedules fn every interval. The first run happens on the next
// iteration.
func (l *Loop) Every(name string, every time.Duration, fn Task) {
	l.tasks = append(l.tasks, &task{name: name, every: every, fn: fn})
}

// Topics lists the broker topics the loop handles.
func (l *Loop) Topics() []string {
	out := make([]string, 0, len(l.handlers))
	for t := range l.handlers {
		if t == ConnectedTopic {
			continue
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers every handled topic on the client, routing deliveries
// into the inbox. A ConnectedTopic handler is registered too; transports keep
// it local.
func (l *Loop) Subscribe(c mqtt.Client) error {
	topics := l.Topics()
	if _, ok := l.handlers[ConnectedTopic]; ok {
		topics = append(topics, ConnectedTopic)
	}
	for _, t := range topics {
		if err := c.Subscribe(t, l.Deliver); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// Deliver queues a message. It never blocks and is safe for concurrent use.
func (l *Loop) Deliver(topic string, payload []byte) {
	p := make([]byte, len(payload))
	copy(p, payload)
	l.mu.Lock()
	l.inbox = append(l.inbox, Message{Topic: topic, Payload: p, At: l.now()})
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued messages.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox)
}

// Stop ends Run after the current iteration.
func (l *Loop) Stop() { l.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool { return l.stopped.Load() }

// RunOnce performs a single iteration.
func (l *Loop) RunOnce(ctx context.Context) {
	if !l.drainBatch(ctx) {
		return
	}

	now := l.now()
	for _, t := range l.tasks {
		if l.Stopped() || ctx.Err() != nil {
			return
		}
		if now.Before(t.next) {
			continue
		}
		t.next = now.Add(t.every)
		l.run(ctx, t)
	}
}

// Drain handles queued messages without running tasks, including the ones
// queued while draining, up to maxPasses batches. It returns the number of
// messages handled.
func (l *Loop) Drain(ctx context.Context, maxPasses int) int {
	n := 0
	for i := 0; i < maxPasses; i++ {
		pending := l.Pending()
		if pending == 0 {
			break
		}
		n += pending
		if !l.drainBatch(ctx) {
			break
		}
	}
	return n
}

// drainBatch handles the messages pending at call time. It returns false
// when the loop stopped or ctx ended.
func (l *Loop) drainBatch(ctx context.Context) bool {
	l.mu.Lock()
	batch := l.inbox
	l.inbox = nil
	l.mu.Unlock()

	for _, m := range batch {
		if l.Stopped() || ctx.Err() != nil {
			return false
		}
		l.dispatch(ctx, m)
	}
	return true
}

// Run iterates until the context is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || l.Stopped() {
			return nil
		}
		l.RunOnce(ctx)
		if l.Stopped() {
			return nil
		}
		timer := time.NewTimer(l.idle())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Loop) idle() time.Duration {
	wait := maxIdle
	now := l.now()
	for _, t := range l.tasks {
		if d := t.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Loop) dispatch(ctx context.Context, m Message) {
	h, ok := l.handlers[m.Topic]
	if !ok {
		l.log.Debugf("no handler for %s", m.Topic)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("panic handling %s: %v", m.Topic, r)
			monitoring.CapturePanic(r, map[string]string{"agent": l.name, "topic": m.Topic})
		}
	}()
	if err := h(ctx, m); err != nil {
		l.report(m.Topic, err)
	}
}

func (l *Loop) run(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("panic in task %s: %v", t.name, r)
			monitoring.CapturePanic(r, map[string]string{"agent": l.name, "task": t.name})
		}
	}()
	if err := t.fn(ctx); err != nil {
		l.log.Errorf("task %s: %v", t.name, err)
		monitoring.CaptureException(err, map[string]string{"agent": l.name, "task": t.name})
	}
}

func (l *Loop) report(topic string, err error) {
	kind := ""
	switch {
	case errors.Is(err, protocol.ErrMessage):
		kind = "message"
	case errors.Is(err, model.ErrValidation):
		kind = "validation"
	}
	if kind == "" {
		l.log.Errorf("handle %s: %v", topic, err)
		monitoring.CaptureException(err, map[string]string{"agent": l.name, "topic": topic})
		return
	}
	l.log.Warnf("dropped message on %s: %v", topic, err)
	if rerr := l.rec.RecordReject(metrics.RejectEvent{Agent: l.name, Topic: topic, Kind: kind, Time: l.now()}); rerr != nil {
		l.log.Debugf("record reject: %v", rerr)
	}
}
