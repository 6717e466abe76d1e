// Package queue implements the durable task dispatch queue: one append-only
// Redis stream per pipeline stage, consumed by engine instances through a
// single consumer group. Messages stay in the group's pending-entry list
// until acknowledged, which gives at-least-once delivery; ACK ordering
// relative to database writes is the caller's contract.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/config"
)

// Group is the consumer group every engine instance joins.
const Group = "engines"

// pelBatch bounds a single pending-entry enumeration.
const pelBatch = 1000

// StreamKey returns the stream name for a pipeline stage.
func StreamKey(stage string) string {
	return "dalston:stream:" + stage
}

func cancelKey(jobID string) string {
	return "dalston:job:cancelled:" + jobID
}

// Message is one task dispatch on a stage stream.
type Message struct {
	ID         string // stream entry id, empty until appended
	TaskID     string
	JobID      string
	EngineID   string
	RequestID  string
	EnqueuedAt time.Time
	TimeoutAt  time.Time
}

// PendingEntry describes one unacknowledged message in the consumer group.
type PendingEntry struct {
	MessageID     string
	TaskID        string
	JobID         string
	EngineID      string
	RequestID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Queue dispatches task messages over per-stage streams.
type Queue struct {
	rdb *redis.Client
	cfg *config.QueueConfig
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(rdb *redis.Client, cfg *config.QueueConfig) *Queue {
	return &Queue{rdb: rdb, cfg: cfg}
}

// EnsureGroup creates the consumer group for a stage stream if it does not
// exist yet. Starting at "0" makes messages appended before group creation
// visible; recreation races between processes are expected and harmless.
func (q *Queue) EnsureGroup(ctx context.Context, stage string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamKey(stage), Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group on %s: %w", StreamKey(stage), err)
	}
	return nil
}

// Add appends a task message to the stage stream. When idempotencyKey is
// non-empty, a best-effort SET-NX guard rejects the append if the key was
// seen within the TTL window; the bool result reports whether the message
// was actually appended.
func (q *Queue) Add(ctx context.Context, stage string, msg Message, idempotencyKey string) (string, bool, error) {
	if idempotencyKey != "" {
		ok, err := q.rdb.SetNX(ctx, idempotencyKey, "1", q.cfg.IdempotencyTTL).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to check idempotency key %s: %w", idempotencyKey, err)
		}
		if !ok {
			return "", false, nil
		}
	}

	if err := q.EnsureGroup(ctx, stage); err != nil {
		return "", false, err
	}

	now := time.Now().UTC()
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(stage),
		MaxLen: q.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"task_id":     msg.TaskID,
			"job_id":      msg.JobID,
			"engine_id":   msg.EngineID,
			"request_id":  msg.RequestID,
			"enqueued_at": now.Format(time.RFC3339Nano),
			"timeout_at":  now.Add(q.cfg.TaskTimeout).Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to append to %s: %w", StreamKey(stage), err)
	}
	return id, true, nil
}

// ReadNext blocks for up to the configured read interval and returns at most
// one new message for the consumer, or nil when the wait timed out.
func (q *Queue) ReadNext(ctx context.Context, stage, consumer string) (*Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{StreamKey(stage), ">"},
		Count:    1,
		Block:    q.cfg.ReadBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", StreamKey(stage), err)
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			return parseMessage(m), nil
		}
	}
	return nil, nil
}

// ReadOwnPending returns messages already delivered to this consumer but not
// yet acknowledged. Used on startup so a restarted instance drains work it
// claimed in a previous life before asking for new messages.
func (q *Queue) ReadOwnPending(ctx context.Context, stage, consumer string) ([]*Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{StreamKey(stage), "0"},
		Count:    pelBatch,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read own pending from %s: %w", StreamKey(stage), err)
	}

	var msgs []*Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, parseMessage(m))
		}
	}
	return msgs, nil
}

// Pending enumerates the consumer group's pending entries for a stage,
// resolving each entry back to its task and job ids.
func (q *Queue) Pending(ctx context.Context, stage string) ([]PendingEntry, error) {
	stream := StreamKey(stage)
	ext, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  Group,
		Start:  "-",
		End:    "+",
		Count:  pelBatch,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to enumerate pending on %s: %w", stream, err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entry := PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		}
		// The PEL holds only ids; fetch the message body for task context.
		// A trimmed-away entry yields no body and keeps empty ids.
		msgs, err := q.rdb.XRange(ctx, stream, p.ID, p.ID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve pending entry %s: %w", p.ID, err)
		}
		if len(msgs) > 0 {
			m := parseMessage(msgs[0])
			entry.TaskID = m.TaskID
			entry.JobID = m.JobID
			entry.EngineID = m.EngineID
			entry.RequestID = m.RequestID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Claim reassigns pending messages to a new consumer, provided they have been
// idle for at least minIdle. Returns the messages actually claimed.
func (q *Queue) Claim(ctx context.Context, stage, consumer string, minIdle time.Duration, messageIDs ...string) ([]*Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamKey(stage),
		Group:    Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim on %s: %w", StreamKey(stage), err)
	}

	msgs := make([]*Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, parseMessage(m))
	}
	return msgs, nil
}

// Ack removes a message from the pending-entry list. Callers must only ACK
// after the outcome is durably recorded.
func (q *Queue) Ack(ctx context.Context, stage string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, StreamKey(stage), Group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", StreamKey(stage), err)
	}
	return nil
}

// StreamLen returns the current length of a stage stream.
func (q *Queue) StreamLen(ctx context.Context, stage string) (int64, error) {
	n, err := q.rdb.XLen(ctx, StreamKey(stage)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", StreamKey(stage), err)
	}
	return n, nil
}

// MarkCancelled writes the job cancellation marker consulted by workers
// before they start a task from the stream.
func (q *Queue) MarkCancelled(ctx context.Context, jobID string) error {
	if err := q.rdb.Set(ctx, cancelKey(jobID), "1", q.cfg.CancelMarkerTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark job %s cancelled: %w", jobID, err)
	}
	return nil
}

// IsCancelled reports whether the job's cancellation marker is present.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel marker for job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// ClearCancelled removes the job's cancellation marker. A retried job reuses
// its id, so the marker left by the failed generation must go before the new
// generation's messages hit the streams, or workers would drop them on sight.
func (q *Queue) ClearCancelled(ctx context.Context, jobID string) error {
	if err := q.rdb.Del(ctx, cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cancel marker for job %s: %w", jobID, err)
	}
	return nil
}

func parseMessage(m redis.XMessage) *Message {
	msg := &Message{ID: m.ID}
	if v, ok := m.Values["task_id"].(string); ok {
		msg.TaskID = v
	}
	if v, ok := m.Values["job_id"].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values["engine_id"].(string); ok {
		msg.EngineID = v
	}
	if v, ok := m.Values["request_id"].(string); ok {
		msg.RequestID = v
	}
	if v, ok := m.Values["enqueued_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EnqueuedAt = ts
		}
	}
	if v, ok := m.Values["timeout_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.TimeoutAt = ts
		}
	}
	return msg
}
