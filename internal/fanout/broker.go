// Package fanout delivers control-plane events to any number of
// subscribers. Publishing never blocks: a subscriber that cannot take an
// event is pruned instead of slowing the producer down.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
)

const (
	defaultBuffer     = 256
	defaultHeartbeat  = 30 * time.Second
	defaultReplaySize = 1024
)

// Config tunes the broker.
type Config struct {
	Buffer     int
	Heartbeat  time.Duration
	ReplaySize int
}

// SnapshotFunc adapts a function to domain.SnapshotSource.
type SnapshotFunc func() domain.Snapshot

func (f SnapshotFunc) Snapshot() domain.Snapshot { return f() }

// Delivery is the outcome of handing one event to one subscriber.
type Delivery int

const (
	Delivered Delivery = iota
	DeliveryFailed
)

type subscriber struct {
	id    uint64
	inbox chan domain.Event
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// deliver hands ev to the subscriber without blocking.
func (s *subscriber) deliver(ev domain.Event) Delivery {
	select {
	case <-s.done:
		return DeliveryFailed
	default:
	}
	select {
	case s.inbox <- ev:
		return Delivered
	default:
		return DeliveryFailed
	}
}

// Broker is the subscriber registry and replay ring.
type Broker struct {
	cfg     Config
	source  domain.SnapshotSource
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	seq    uint64
	ring   []domain.Event
	subs   map[uint64]*subscriber
	nextID uint64
}

// NewBroker creates a Broker. source provides the snapshot sent to each new
// subscriber; m may be nil.
func NewBroker(cfg Config, source domain.SnapshotSource, m *metrics.Metrics, logger *slog.Logger) *Broker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = defaultReplaySize
	}
	return &Broker{
		cfg:     cfg,
		source:  source,
		metrics: m,
		logger:  logger.With(slog.String("component", "fanout")),
		subs:    make(map[uint64]*subscriber),
	}
}

// Publish sequences ev, stores it for replay and hands it to every
// subscriber. Subscribers whose buffer is full are pruned. The sequenced
// event is returned.
func (b *Broker) Publish(ev domain.Event) domain.Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.cfg.ReplaySize {
		b.ring = b.ring[len(b.ring)-b.cfg.ReplaySize:]
	}

	var pruned []uint64
	for id, s := range b.subs {
		if s.deliver(ev) == DeliveryFailed {
			delete(b.subs, id)
			s.close()
			pruned = append(pruned, id)
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.EventPublished(string(ev.Kind))
	if len(pruned) > 0 {
		b.metrics.SetSubscribers(n)
		for _, id := range pruned {
			b.metrics.SubscriberPruned()
			b.logger.Warn("fanout: subscriber pruned after failed delivery",
				slog.Uint64("subscriber", id),
				slog.Uint64("seq", ev.Seq),
			)
		}
	}
	return ev
}

// Seq returns the sequence number of the last published event.
func (b *Broker) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// SubscribeOpts controls where a subscription starts.
type SubscribeOpts struct {
	// AfterSeq replays retained events with a greater sequence number before
	// live streaming begins. Zero replays nothing.
	AfterSeq uint64
	// SkipSnapshot suppresses the initial snapshot event.
	SkipSnapshot bool
}

// Subscription is a live, ordered event stream. The channel is closed when
// the subscription ends, whether by Close, context cancellation or pruning.
type Subscription struct {
	ID     uint64
	events chan domain.Event
	cancel context.CancelFunc
}

// Events returns the stream.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Close ends the subscription and releases its resources.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe registers a new subscriber. The stream yields a snapshot first,
// then any replayed events, then live events interleaved with heartbeats
// whenever the stream has been idle for the configured interval.
func (b *Broker) Subscribe(ctx context.Context, opts SubscribeOpts) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		inbox: make(chan domain.Event, b.cfg.Buffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	head := b.seq
	var replay []domain.Event
	if opts.AfterSeq > 0 && opts.AfterSeq < head {
		for _, ev := range b.ring {
			if ev.Seq > opts.AfterSeq {
				replay = append(replay, ev)
			}
		}
	}
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(n)

	out := &Subscription{
		ID:     sub.id,
		events: make(chan domain.Event),
		cancel: cancel,
	}

	var first []domain.Event
	if !opts.SkipSnapshot && b.source != nil {
		snap := domain.NewEvent(domain.EventSnapshot, domain.SeverityInfo, b.source.Snapshot())
		snap.ID = uuid.New().String()
		snap.Seq = head
		first = append(first, snap)
	}
	first = append(first, replay...)

	go b.pump(ctx, sub, out.events, first)
	return out
}

func (b *Broker) pump(ctx context.Context, sub *subscriber, out chan<- domain.Event, first []domain.Event) {
	defer func() {
		b.remove(sub)
		close(out)
	}()

	send := func(ev domain.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		case <-sub.done:
			return false
		}
	}

	for _, ev := range first {
		if !send(ev) {
			return
		}
	}

	idle := time.NewTimer(b.cfg.Heartbeat)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev := <-sub.inbox:
			if !send(ev) {
				return
			}
		case <-idle.C:
			hb := domain.NewEvent(domain.EventHeartbeat, domain.SeverityInfo, nil)
			hb.ID = uuid.New().String()
			hb.Seq = b.Seq()
			if !send(hb) {
				return
			}
		}
		idle.Reset(b.cfg.Heartbeat)
	}
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	if cur, ok := b.subs[sub.id]; ok && cur == sub {
		delete(b.subs, sub.id)
	}
	n := len(b.subs)
	b.mu.Unlock()
	sub.close()
	b.metrics.SetSubscribers(n)
}

var _ domain.EventPublisher = (*Broker)(nil)
