// Package bus is the in-process event bus. Every state transition in the core is
// published here; sinks (Redis, NATS, websocket feed, alerts, graph mirror) attach
// as subscriptions.
//
// Delivery is at-least-once and ordered per entity: each subscription owns a FIFO
// queue fed under the bus lock, and an event is only dequeued after its handler
// returns nil. Failed deliveries are retried with exponential backoff until they
// succeed or the subscription is closed. A subscription whose queue reaches the
// bus queue limit drops its oldest undelivered events.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Kind identifies the entity an event is about.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindTool     Kind = "tool"
	KindMission  Kind = "mission"
	KindSwarm    Kind = "swarm"
	KindPipeline Kind = "pipeline"
)

// Event is a single state transition.
type Event struct {
	Seq      uint64    `json:"seq"`
	Kind     Kind      `json:"kind"`
	EntityID string    `json:"entity_id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"timestamp"`
	Data     any       `json:"data,omitempty"`
}

// Handler consumes an event. A non-nil error causes redelivery.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the narrow interface domain components depend on.
type Publisher interface {
	Publish(kind Kind, entityID, eventType string, data any) Event
}

// Filter selects events by entity kind and, optionally, entity id.
// The zero Filter matches everything.
type Filter struct {
	Kinds    []Kind `json:"kinds,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.EntityID != "" && f.EntityID != ev.EntityID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

type entityKey struct {
	kind Kind
	id   string
}

// DefaultQueueLimit bounds a subscription queue unless WithQueueLimit says otherwise.
const DefaultQueueLimit = 10000

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.Mutex
	seq    map[entityKey]uint64
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	retryInitial time.Duration
	retryMax     time.Duration
	queueLimit   int
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetry sets the redelivery backoff bounds.
func WithRetry(initial, max time.Duration) Option {
	return func(b *Bus) {
		b.retryInitial = initial
		b.retryMax = max
	}
}

// WithQueueLimit caps each subscription's queue. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(b *Bus) { b.queueLimit = n }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		seq:          make(map[entityKey]uint64),
		subs:         make(map[uint64]*Subscription),
		retryInitial: 100 * time.Millisecond,
		retryMax:     10 * time.Second,
		queueLimit:   DefaultQueueLimit,
		now:          time.Now,
		logger:       logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish stamps the event with its per-entity sequence number and enqueues it
// on every matching subscription. Callers that need per-entity ordering must
// publish while holding whatever lock orders their mutations.
func (b *Bus) Publish(kind Kind, entityID, eventType string, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entityKey{kind: kind, id: entityID}
	b.seq[key]++
	ev := Event{
		Seq:      b.seq[key],
		Kind:     kind,
		EntityID: entityID,
		Type:     eventType,
		Time:     b.now().UTC(),
		Data:     data,
	}
	if b.closed {
		b.logger.Debug("bus closed, dropping event", zap.String("type", eventType), zap.String("entity", entityID))
		return ev
	}
	for _, s := range b.subs {
		if s.filter.Match(ev) {
			s.enqueue(ev)
		}
	}
	return ev
}

// Subscribe registers handler for events matching filter. The handler runs on a
// dedicated goroutine, one event at a time.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		name:    name,
		filter:  filter,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		bus:     b,
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(s.done)
		return s
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

// Close stops accepting events and waits for every subscription to drain its
// queue. Subscriptions still busy when ctx expires are cancelled.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.drain()
	}

	var err error
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
			s.cancel()
			<-s.done
			b.logger.Warn("subscription cancelled before drain",
				zap.String("subscription", s.name),
				zap.Int("pending", s.Pending()))
		}
	}

	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()
	return err
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one consumer of the bus.
type Subscription struct {
	id      uint64
	name    string
	filter  Filter
	handler Handler
	bus     *Bus

	mu       sync.Mutex
	queue    []Event
	inflight bool
	dropped  uint64
	draining bool
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the subscription name given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Pending returns the number of events not yet acknowledged by the handler.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription and discards undelivered events.
// It must not be called from inside the subscription's own handler.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.cancel()
	<-s.done
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if limit := s.bus.queueLimit; limit > 0 && len(s.queue) >= limit {
		// the head may be mid-delivery; it is popped by run
		oldest := 0
		if s.inflight {
			oldest = 1
		}
		if oldest < len(s.queue) {
			lost := s.queue[oldest]
			s.queue = append(s.queue[:oldest], s.queue[oldest+1:]...)
			s.dropped++
			if s.dropped == 1 || s.dropped%1000 == 0 {
				s.bus.logger.Warn("subscription queue full, dropping oldest event",
					zap.String("subscription", s.name),
					zap.String("type", lost.Type),
					zap.String("entity", lost.EntityID),
					zap.Int("limit", limit),
					zap.Uint64("dropped", s.dropped))
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		if !s.deliver(ev) {
			return
		}
		s.mu.Lock()
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.inflight = false
		s.mu.Unlock()
	}
}

// next blocks until the queue head is available. It returns false once the
// subscription is cancelled, or drained and empty.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.inflight = true
			s.mu.Unlock()
			return ev, true
		}
		draining := s.draining
		s.mu.Unlock()
		if draining {
			return Event{}, false
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return Event{}, false
		}
	}
}

func (s *Subscription) deliver(ev Event) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.bus.retryInitial
	bo.MaxInterval = s.bus.retryMax
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return s.handler(s.ctx, ev)
	}, backoff.WithContext(bo, s.ctx), func(err error, wait time.Duration) {
		s.bus.logger.Warn("event delivery failed, retrying",
			zap.String("subscription", s.name),
			zap.String("type", ev.Type),
			zap.String("entity", ev.EntityID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		s.bus.logger.Debug("subscription stopped with undelivered event",
			zap.String("subscription", s.name),
			zap.String("type", ev.Type),
			zap.Error(err))
		return false
	}
	return true
}
