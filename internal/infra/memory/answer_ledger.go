package memory

import (
	"context"
	"sync"

	"trivia-live-service/internal/domain"
)

// AnswerLedger is an in-memory implementation of app.AnswerLedger. Writes
// keyed by (game, question, player) overwrite in place, so redelivered
// submissions never double-count.
type AnswerLedger struct {
	mu      sync.RWMutex
	answers map[ledgerKey]map[string]domain.AnswerRecord
}

type ledgerKey struct {
	gameID     string
	questionID string
}

func NewAnswerLedger() *AnswerLedger {
	return &AnswerLedger{
		answers: make(map[ledgerKey]map[string]domain.AnswerRecord),
	}
}

func (l *AnswerLedger) Record(_ context.Context, rec domain.AnswerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{gameID: rec.GameID, questionID: rec.QuestionID}
	byPlayer, ok := l.answers[key]
	if !ok {
		byPlayer = make(map[string]domain.AnswerRecord)
		l.answers[key] = byPlayer
	}
	byPlayer[rec.PlayerConnID] = rec
	return nil
}

func (l *AnswerLedger) CountAnswered(_ context.Context, gameID, questionID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.answers[ledgerKey{gameID: gameID, questionID: questionID}]), nil
}

func (l *AnswerLedger) Answers(_ context.Context, gameID, questionID string) ([]domain.AnswerRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byPlayer := l.answers[ledgerKey{gameID: gameID, questionID: questionID}]
	out := make([]domain.AnswerRecord, 0, len(byPlayer))
	for _, rec := range byPlayer {
		out = append(out, rec)
	}
	return out, nil
}
