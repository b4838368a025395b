package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/domain"
)

// AnswerLedger stores answers in a hash per (game, question):
// HSET game:{gameID}:answers:{questionID} {playerConnID} {record JSON}.
// A hash field write is the idempotence guarantee: redelivering the same
// submission overwrites the same field and the count never inflates.
// HLEN and HGETALL read committed state, which gives the aggregator the
// read-after-write consistency the completion check needs.
type AnswerLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnswerLedger(client *redis.Client, ttl time.Duration) *AnswerLedger {
	return &AnswerLedger{client: client, ttl: ttl}
}

func (l *AnswerLedger) Record(ctx context.Context, rec domain.AnswerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	key := l.key(rec.GameID, rec.QuestionID)

	pipe := l.client.Pipeline()
	pipe.HSet(ctx, key, rec.PlayerConnID, data)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	return nil
}

func (l *AnswerLedger) CountAnswered(ctx context.Context, gameID, questionID string) (int, error) {
	n, err := l.client.HLen(ctx, l.key(gameID, questionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	return int(n), nil
}

func (l *AnswerLedger) Answers(ctx context.Context, gameID, questionID string) ([]domain.AnswerRecord, error) {
	fields, err := l.client.HGetAll(ctx, l.key(gameID, questionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	out := make([]domain.AnswerRecord, 0, len(fields))
	for _, raw := range fields {
		var rec domain.AnswerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal answer: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *AnswerLedger) key(gameID, questionID string) string {
	return "game:" + gameID + ":answers:" + questionID
}
