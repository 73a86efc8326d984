package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBuffer = 64

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus fans events out to observers and channel subscribers.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[uint64]*subscriber
	seq       atomic.Uint64
	dropped   atomic.Uint64
	logger    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Observe registers an observer that sees every event synchronously.
func (b *Bus) Observe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Publish stamps the event and delivers it. Observers run first, on the
// caller's goroutine. Subscribers whose buffer is full miss the event.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(ctx, ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped event for slow subscriber", zap.String("type", string(ev.Type)))
		}
	}
}

// Subscribe returns a buffered channel of matching events and a cancel
// function that closes it.
func (b *Bus) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	id := b.seq.Add(1)
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many subscriber deliveries were skipped.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
