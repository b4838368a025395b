package memory

import (
	"context"
	"testing"

	"trivia-live-service/internal/domain"
)

func TestAnswerLedgerDedupesPerPlayer(t *testing.T) {
	ctx := context.Background()
	l := NewAnswerLedger()

	rec := domain.AnswerRecord{GameID: "g1", QuestionID: "q1", PlayerConnID: "c1", Answer: "Mars"}
	if err := l.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec.Answer = "Venus"
	if err := l.Record(ctx, rec); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	_ = l.Record(ctx, domain.AnswerRecord{GameID: "g1", QuestionID: "q1", PlayerConnID: "c2", Answer: "Mars"})

	n, err := l.CountAnswered(ctx, "g1", "q1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 distinct answerers, got %d (%v)", n, err)
	}

	answers, _ := l.Answers(ctx, "g1", "q1")
	byConn := make(map[string]string, len(answers))
	for _, a := range answers {
		byConn[a.PlayerConnID] = a.Answer
	}
	// Last write per player wins.
	if byConn["c1"] != "Venus" {
		t.Fatalf("expected overwrite, got %q", byConn["c1"])
	}

	// Other rounds are unaffected.
	if n, _ := l.CountAnswered(ctx, "g1", "q2"); n != 0 {
		t.Fatalf("expected empty count for q2, got %d", n)
	}
}
