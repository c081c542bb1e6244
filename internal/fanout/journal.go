package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// DefaultJournalStream is the stream the journal appends to.
const DefaultJournalStream = "control:events"

// Journal mirrors every published event into a durable stream so that
// clients that missed more than the replay ring holds can catch up.
type Journal struct {
	broker *Broker
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// JournalEntry is one decoded stream record.
type JournalEntry struct {
	StreamID string   `json:"stream_id"`
	Event    Envelope `json:"event"`
}

// NewJournal creates a Journal writing to stream.
func NewJournal(broker *Broker, bus domain.SignalBus, stream string, logger *slog.Logger) *Journal {
	if stream == "" {
		stream = DefaultJournalStream
	}
	return &Journal{
		broker: broker,
		bus:    bus,
		stream: stream,
		logger: logger.With(slog.String("component", "journal")),
	}
}

// Run appends events until ctx is cancelled. If the subscription is pruned
// the journal resubscribes from the last sequence it wrote.
func (j *Journal) Run(ctx context.Context) error {
	j.logger.InfoContext(ctx, "journal started", slog.String("stream", j.stream))
	defer j.logger.Info("journal stopped")

	var last uint64
	for {
		sub := j.broker.Subscribe(ctx, SubscribeOpts{AfterSeq: last, SkipSnapshot: true})
		for ev := range sub.Events() {
			if ev.Kind == domain.EventHeartbeat {
				continue
			}
			if err := j.append(ctx, ev); err != nil {
				j.logger.WarnContext(ctx, "journal: append failed",
					slog.Uint64("seq", ev.Seq),
					slog.String("error", err.Error()),
				)
			}
			last = ev.Seq
		}
		sub.Close()
		if err := ctx.Err(); err != nil {
			return err
		}
		j.logger.WarnContext(ctx, "journal: subscription dropped, resubscribing", slog.Uint64("after_seq", last))
	}
}

func (j *Journal) append(ctx context.Context, ev domain.Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return err
	}
	return j.bus.StreamAppend(ctx, j.stream, data)
}

// Read returns up to count entries after the stream id after. An empty after
// reads from the start of the stream.
func (j *Journal) Read(ctx context.Context, after string, count int) ([]JournalEntry, error) {
	if after == "" {
		after = "0"
	}
	if count <= 0 || count > 1000 {
		count = 100
	}
	msgs, err := j.bus.StreamRead(ctx, j.stream, after, count)
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", j.stream, err)
	}
	out := make([]JournalEntry, 0, len(msgs))
	for _, m := range msgs {
		env, err := UnmarshalEnvelope(m.Payload)
		if err != nil {
			j.logger.WarnContext(ctx, "journal: skipping undecodable entry",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, JournalEntry{StreamID: m.ID, Event: env})
	}
	return out, nil
}
