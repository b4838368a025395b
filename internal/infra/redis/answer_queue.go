package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/app"
)

const queuePollTimeout = time.Second

// AnswerQueue decouples answer ingestion from scoring with a pair of Redis
// lists. Dequeue atomically moves an event from the main list onto a
// processing list, Ack removes it once the worker has handled it, and
// Recover puts orphaned in-flight events back on the main list at startup.
// Together that gives at-least-once delivery; the ledger downstream dedupes
// redeliveries.
type AnswerQueue struct {
	client     *redis.Client
	key        string
	processing string
}

func NewAnswerQueue(client *redis.Client) *AnswerQueue {
	return &AnswerQueue{
		client:     client,
		key:        "answers:queue",
		processing: "answers:processing",
	}
}

func (q *AnswerQueue) Enqueue(ctx context.Context, ev app.AnswerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks for up to a second so worker loops stay responsive to
// shutdown. ok=false means the poll timed out with nothing queued. The
// returned event sits on the processing list until Ack.
func (q *AnswerQueue) Dequeue(ctx context.Context) (app.AnswerEvent, bool, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "LEFT", "RIGHT", queuePollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return app.AnswerEvent{}, false, nil
	}
	if err != nil {
		return app.AnswerEvent{}, false, err
	}

	var ev app.AnswerEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		// Drop the poison entry so recovery does not loop on it forever.
		q.client.LRem(ctx, q.processing, 1, raw)
		return app.AnswerEvent{}, false, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, true, nil
}

// Ack removes a handled event from the processing list. Marshalling the
// same struct reproduces the exact bytes Dequeue moved, so LREM matches.
func (q *AnswerQueue) Ack(ctx context.Context, ev app.AnswerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.LRem(ctx, q.processing, 1, data).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Recover moves every event left on the processing list back to the head
// of the main queue. Call it on startup, before any worker dequeues: the
// entries belong to workers that died mid-flight. Draining tail-first
// keeps the redelivered events in their original order.
func (q *AnswerQueue) Recover(ctx context.Context) error {
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover in-flight answers: %w", err)
		}
	}
}
