package memory

import (
	"context"
	"time"

	"trivia-live-service/internal/app"
)

const queuePollTimeout = time.Second

// AnswerQueue is an in-memory implementation of app.AnswerQueue backed by a
// buffered channel. Dequeue mimics the redis queue's short blocking poll so
// worker loops behave the same against either.
type AnswerQueue struct {
	ch chan app.AnswerEvent
}

func NewAnswerQueue(size int) *AnswerQueue {
	if size <= 0 {
		size = 1024
	}
	return &AnswerQueue{ch: make(chan app.AnswerEvent, size)}
}

func (q *AnswerQueue) Enqueue(ctx context.Context, ev app.AnswerEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AnswerQueue) Dequeue(ctx context.Context) (app.AnswerEvent, bool, error) {
	timer := time.NewTimer(queuePollTimeout)
	defer timer.Stop()
	select {
	case ev := <-q.ch:
		return ev, true, nil
	case <-timer.C:
		return app.AnswerEvent{}, false, nil
	case <-ctx.Done():
		return app.AnswerEvent{}, false, ctx.Err()
	}
}

// Ack is a no-op: the channel hands an event to exactly one worker in the
// same process, so there is no in-flight list to clear.
func (q *AnswerQueue) Ack(ctx context.Context, ev app.AnswerEvent) error {
	return nil
}
