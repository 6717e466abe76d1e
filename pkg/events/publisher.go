package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/config"
)

// Publisher sends events over both transports. Crash-critical events are
// appended to the durable stream first; the pub/sub fan-out is best-effort
// and never blocks progress.
type Publisher struct {
	rdb *redis.Client
	cfg *config.EventsConfig
}

// NewPublisher creates a publisher over the given Redis client.
func NewPublisher(rdb *redis.Client, cfg *config.EventsConfig) *Publisher {
	return &Publisher{rdb: rdb, cfg: cfg}
}

// Publish routes an event to its transports. For crash-critical events the
// durable append must succeed; an error there is returned and the caller is
// expected to fail its operation. Fan-out failure is logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	if IsCrashCritical(ev.Type) {
		if err := p.appendDurable(ctx, ev.Type, data); err != nil {
			return err
		}
	}

	if err := p.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		// Subscribers that miss a publication get no replay anyway; a publish
		// failure only degrades real-time visibility.
		slog.Warn("Event fan-out failed",
			"event_type", ev.Type,
			"job_id", ev.JobID,
			"error", err)
	}
	return nil
}

func (p *Publisher) appendDurable(ctx context.Context, eventType string, data []byte) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: p.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{"event": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append %s to event stream: %w", eventType, err)
	}
	return nil
}

// EnsureGroup creates the orchestrator consumer group on the durable stream
// if it does not exist yet.
func (p *Publisher) EnsureGroup(ctx context.Context) error {
	err := p.rdb.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create event stream group: %w", err)
	}
	return nil
}

// Subscribe opens a fan-out subscription and returns a channel of decoded
// events plus a cancel function. Undecodable payloads are dropped with a
// warning; the channel closes when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := p.rdb.Subscribe(ctx, Channel)
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("Dropping undecodable event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
