package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/config"
)

// readBatch bounds one durable-stream read.
const readBatch = 10

// Handler processes one event from the durable stream. Implementations must
// be idempotent: delivery is at-least-once.
type Handler interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// Consumer reads crash-critical events from the durable stream as one member
// of the orchestrator consumer group. A successful handler run acknowledges
// the entry; a failed run leaves it pending, to be retried when this
// instance restarts and drains its backlog.
type Consumer struct {
	rdb      *redis.Client
	cfg      *config.EventsConfig
	handler  Handler
	consumer string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a durable-stream consumer with a stable consumer name
// (the orchestrator instance id).
func NewConsumer(rdb *redis.Client, cfg *config.EventsConfig, handler Handler, consumerName string) *Consumer {
	return &Consumer{
		rdb:      rdb,
		cfg:      cfg,
		handler:  handler,
		consumer: consumerName,
		stopCh:   make(chan struct{}),
	}
}

// Start ensures the group exists, drains this consumer's pending backlog
// from a previous life, then begins consuming new events in a goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create event stream group: %w", err)
	}

	if err := c.drainOwnPending(ctx); err != nil {
		return fmt.Errorf("failed to drain pending events: %w", err)
	}

	c.wg.Add(1)
	go c.run(ctx)

	slog.Info("Event consumer started", "consumer", c.consumer)
	return nil
}

// Stop signals the consumer loop to exit and waits for it.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	slog.Info("Event consumer stopped", "consumer", c.consumer)
}

// drainOwnPending walks this consumer's unacknowledged entries from the
// beginning of its PEL. The cursor advances past entries whose handler
// failed, so a poisoned event cannot wedge startup; it stays pending for the
// next restart.
func (c *Consumer) drainOwnPending(ctx context.Context) error {
	cursor := "0"
	for {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: c.consumer,
			Streams:  []string{Stream, cursor},
			Count:    readBatch,
		}).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		processed := 0
		for _, s := range streams {
			for _, m := range s.Messages {
				c.dispatch(ctx, m)
				cursor = m.ID
				processed++
			}
		}
		if processed == 0 {
			return nil
		}
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	log := slog.With("consumer", c.consumer)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: c.consumer,
			Streams:  []string{Stream, ">"},
			Count:    readBatch,
			Block:    c.cfg.ReadBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Event stream read failed", "error", err)
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				c.dispatch(ctx, m)
			}
		}
	}
}

// dispatch decodes and handles one stream entry, acknowledging it only when
// the handler succeeds.
func (c *Consumer) dispatch(ctx context.Context, m redis.XMessage) {
	raw, _ := m.Values["event"].(string)

	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		// A corrupt entry can never succeed; ACK it away rather than
		// redelivering it forever.
		slog.Error("Discarding undecodable event entry", "entry_id", m.ID, "error", err)
		if err := c.rdb.XAck(ctx, Stream, Group, m.ID).Err(); err != nil {
			slog.Error("Failed to ack corrupt event entry", "entry_id", m.ID, "error", err)
		}
		return
	}

	log := slog.With(
		"event_type", ev.Type,
		"job_id", ev.JobID,
		"task_id", ev.TaskID,
		"request_id", ev.RequestID,
	)

	hctx, cancel := context.WithTimeout(WithRequestID(ctx, ev.RequestID), c.cfg.HandlerTimeout)
	defer cancel()

	if err := c.handler.HandleEvent(hctx, &ev); err != nil {
		log.Error("Event handler failed, leaving entry unacknowledged", "entry_id", m.ID, "error", err)
		return
	}

	if err := c.rdb.XAck(ctx, Stream, Group, m.ID).Err(); err != nil {
		log.Error("Failed to ack event entry", "entry_id", m.ID, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
