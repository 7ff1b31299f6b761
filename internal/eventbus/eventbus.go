// Package eventbus is an in-process topic bus used when every agent runs in
// the same process. It satisfies core/mqtt.Client.
package eventbus

import (
	"errors"
	"sync"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/mqtt"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus closed")

// Bus delivers every published payload synchronously to the handlers of its
// topic. Handlers must not block; agent loops only queue the message.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]mqtt.Handler
	closed    bool
	duplicate bool
	published int
}

var _ mqtt.Client = (*Bus)(nil)

// Option customises a Bus.
type Option func(*Bus)

// WithDuplicates delivers every message twice, which is allowed by the
// at-least-once contract of the broker.
func WithDuplicates() Option {
	return func(b *Bus) { b.duplicate = true }
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[string][]mqtt.Handler)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends the payload to all subscribers of topic. Each handler gets
// its own copy.
func (b *Bus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published++
	hs := append([]mqtt.Handler(nil), b.subs[topic]...)
	dup := b.duplicate
	b.mu.Unlock()

	for _, h := range hs {
		h(topic, clone(payload))
		if dup {
			h(topic, clone(payload))
		}
	}
	return nil
}

// Subscribe registers h for topic. The bus is always connected, so a
// connected handler fires at once.
func (b *Bus) Subscribe(topic string, h mqtt.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], h)
	b.mu.Unlock()
	if topic == agent.ConnectedTopic {
		h(topic, nil)
	}
	return nil
}

// Published returns the number of Publish calls accepted so far.
func (b *Bus) Published() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published
}

// Close drops every subscription. Closing twice is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

func clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
