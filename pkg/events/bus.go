package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Subscription is a single subscriber's view of a Bus.
type Subscription[T any] struct {
	name   string
	ch     chan T
	missed atomic.Int64
	bus    *Bus[T]
	once   sync.Once
}

// C returns the delivery channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Missed returns how many events were dropped because the subscriber was slow.
func (s *Subscription[T]) Missed() int64 { return s.missed.Load() }

// Name returns the subscriber name given to Subscribe.
func (s *Subscription[T]) Name() string { return s.name }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.remove(s)
}

// BusMetrics is a point-in-time copy of bus counters.
type BusMetrics struct {
	Published   int64            `json:"published"`
	Delivered   int64            `json:"delivered"`
	Dropped     int64            `json:"dropped"`
	Subscribers int              `json:"subscribers"`
	MissedBySub map[string]int64 `json:"missed_by_subscriber"`
}

// Bus fans out values to any number of subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the value and the miss is counted.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []*Subscription[T]
	buffer int
	closed bool
	logger zerolog.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus whose subscribers get channels of the given buffer size.
func NewBus[T any](logger zerolog.Logger, name string, buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus[T]{
		buffer: buffer,
		logger: logger.With().Str("component", "event_bus").Str("bus", name).Logger(),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus[T]) Subscribe(name string) *Subscription[T] {
	sub := &Subscription[T]{name: name, ch: make(chan T, b.buffer), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	b.logger.Debug().Str("subscriber", name).Msg("Subscriber registered")
	return sub
}

// Publish delivers v to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			b.delivered.Add(1)
		default:
			sub.missed.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Close detaches every subscriber. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subs = nil
}

// Metrics returns a copy of the bus counters.
func (b *Bus[T]) Metrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := BusMetrics{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(b.subs),
		MissedBySub: make(map[string]int64, len(b.subs)),
	}
	for _, s := range b.subs {
		m.MissedBySub[s.name] += s.missed.Load()
	}
	return m
}
