package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/score"
)

// errRoundMoved aborts a finalization write whose round is no longer the
// open one (the game ended or advanced before the write landed).
var errRoundMoved = errors.New("round no longer open")

// errRoundScored aborts a finalization write that lost the race: another
// finalizer already committed this round's result.
var errRoundScored = errors.New("round already scored")

type aggregatorConfig struct {
	store     GameStore
	questions QuestionRepository
	ledger    AnswerLedger
	claims    RoundClaims
	queue     AnswerQueue
	bc        *Broadcaster
	log       zerolog.Logger
	clock     func() time.Time
}

// Aggregator consumes queued answers and decides, per accepted write,
// whether the round is complete. Exactly-once scoring rests on the game
// record itself: the round result and the ScoredIndex marker commit in one
// conditional write, so of any number of racing finalizers exactly one
// write lands and the rest see the marker and back off. The claim in front
// of the all-answered path is only a work gate — it stops concurrent
// submitters from all loading answers and computing scores — and is never
// treated as proof the round was scored. The timeout and host-advance
// fallbacks skip the claim entirely and rely on the marker, so a claim
// holder that dies before writing cannot strand a round.
type Aggregator struct {
	store     GameStore
	questions QuestionRepository
	ledger    AnswerLedger
	claims    RoundClaims
	queue     AnswerQueue
	bc        *Broadcaster
	log       zerolog.Logger
	now       func() time.Time
}

func newAggregator(c aggregatorConfig) *Aggregator {
	return &Aggregator{
		store:     c.store,
		questions: c.questions,
		ledger:    c.ledger,
		claims:    c.claims,
		queue:     c.queue,
		bc:        c.bc,
		log:       c.log.With().Str("component", "scoring_worker").Logger(),
		now:       c.clock,
	}
}

// Run is the worker loop. It returns when ctx is cancelled. Multiple
// workers may run concurrently; the ledger and the conditional result
// write keep them safe.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Info().Msg("scoring worker started")
	for {
		ev, ok, err := a.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			a.log.Info().Msg("scoring worker stopped")
			return nil
		}
		if err != nil {
			a.log.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if !ok {
			continue
		}
		if err := a.Process(ctx, ev); err != nil {
			// Leave the event unacked so recovery redelivers it.
			continue
		}
		if err := a.queue.Ack(ctx, ev); err != nil {
			a.log.Warn().Err(err).
				Str("game", ev.GameID).Str("player", ev.PlayerConnID).
				Msg("ack failed")
		}
	}
}

// Process handles one answer event. It is safe to call more than once for
// the same submission: the ledger write overwrites the same key and the
// completion check re-runs against committed state. A non-nil error means
// the event was not fully handled and should be redelivered.
func (a *Aggregator) Process(ctx context.Context, ev AnswerEvent) error {
	rec := domain.AnswerRecord{
		GameID:       ev.GameID,
		PlayerConnID: ev.PlayerConnID,
		QuestionID:   ev.QuestionID,
		Answer:       ev.Answer,
		Nickname:     ev.Nickname,
		SubmittedAt:  ev.SubmittedAt,
		ReceivedAt:   a.now(),
	}
	if err := a.ledger.Record(ctx, rec); err != nil {
		a.log.Error().Err(err).
			Str("game", ev.GameID).Str("question", ev.QuestionID).Str("player", ev.PlayerConnID).
			Msg("ledger write failed")
		return err
	}

	g, err := a.store.Get(ctx, ev.GameID)
	if err != nil {
		a.log.Error().Err(err).Str("game", ev.GameID).Msg("load game failed")
		return err
	}

	// Answers for a closed game or a question that is no longer open are
	// recorded but never scored; the submitter still gets an ack.
	qid, open := g.CurrentQuestionID()
	if g.Status == domain.StatusActive && open && qid == ev.QuestionID {
		if err := a.maybeFinalize(ctx, g, qid); err != nil {
			a.log.Error().Err(err).
				Str("game", g.ID).Int("round", g.CurrentIndex).
				Msg("finalize failed")
			return err
		}
	}

	a.bc.AnswerReceived(ctx, ev.PlayerConnID)
	return nil
}

func (a *Aggregator) maybeFinalize(ctx context.Context, g domain.Game, questionID string) error {
	if g.ScoredIndex >= g.CurrentIndex {
		return nil
	}
	count, err := a.ledger.CountAnswered(ctx, g.ID, questionID)
	if err != nil {
		return fmt.Errorf("count answers: %w", err)
	}

	target := g.RoundPlayerCount
	if target == 0 {
		target = len(g.Players)
	}
	if count < target {
		return nil
	}

	// Work gate only: whoever loses simply does not compute scores here.
	// If the winner dies before its write commits, the timeout timer or a
	// host advance scores the round through finalize directly.
	won, err := a.claims.Claim(ctx, g.ID, g.CurrentIndex)
	if err != nil {
		return fmt.Errorf("claim round: %w", err)
	}
	if !won {
		return nil
	}
	return a.finalize(ctx, g.ID, g.CurrentIndex)
}

// ForceFinalize scores round even if not every player answered, treating
// silent players as a wrong answer. Used by the answer-timeout timer and by
// host advance. It bypasses the claim and goes straight to the conditional
// result write: when it returns without error the round's result has been
// committed, by this caller or another. An already-scored or moved-on round
// is a no-op.
func (a *Aggregator) ForceFinalize(ctx context.Context, gameID string, round int) error {
	g, err := a.store.Get(ctx, gameID)
	if err != nil {
		if errors.Is(err, domain.ErrGameNotFound) {
			return nil
		}
		return err
	}
	if g.Status != domain.StatusActive || g.CurrentIndex != round {
		return nil
	}
	if g.ScoredIndex >= round {
		return nil
	}
	return a.finalize(ctx, gameID, round)
}

// finalize computes and applies the round result. The scores and the
// ScoredIndex marker commit in one conditional game update: concurrent
// finalizers serialize on the write, the first one lands, and every later
// attempt sees the marker and aborts without touching scores or pushing a
// second round summary.
func (a *Aggregator) finalize(ctx context.Context, gameID string, round int) error {
	g, err := a.store.Get(ctx, gameID)
	if err != nil {
		return err
	}
	if round < 0 || round >= len(g.QuestionIDs) {
		return fmt.Errorf("round %d out of range", round)
	}
	questionID := g.QuestionIDs[round]

	q, err := a.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return fmt.Errorf("load question %s: %w", questionID, err)
	}
	answers, err := a.ledger.Answers(ctx, gameID, questionID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	byConn := make(map[string]domain.AnswerRecord, len(answers))
	for _, rec := range answers {
		byConn[rec.PlayerConnID] = rec
	}

	updated, err := a.store.Update(ctx, gameID, func(g *domain.Game) error {
		if g.Status != domain.StatusActive || g.CurrentIndex != round {
			return errRoundMoved
		}
		if g.ScoredIndex >= round {
			return errRoundScored
		}
		for i := range g.Players {
			p := &g.Players[i]
			res := a.scorePlayer(g, p, q, byConn)
			p.Score += res.TotalScore
			if res.IsCorrect {
				p.Streak++
			} else {
				p.Streak = 0
			}
			p.LastResult = &res
		}
		g.ScoredIndex = round
		if round == g.TotalQuestions-1 {
			g.Status = domain.StatusEnded
			g.EndedAt = a.now()
		}
		return nil
	})
	if errors.Is(err, errRoundMoved) {
		a.log.Warn().Str("game", gameID).Int("round", round).Msg("round moved before finalization write")
		return nil
	}
	if errors.Is(err, errRoundScored) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply round result: %w", err)
	}

	a.log.Info().
		Str("game", gameID).Int("round", round).
		Int("answers", len(answers)).Int("players", len(updated.Players)).
		Msg("round finalized")

	a.bc.RoundResults(ctx, updated)
	if updated.Status == domain.StatusEnded {
		a.bc.GameEnded(ctx, updated)
	}
	return nil
}

func (a *Aggregator) scorePlayer(g *domain.Game, p *domain.Player, q domain.Question, byConn map[string]domain.AnswerRecord) domain.RoundResult {
	rec, answered := byConn[p.ConnID]
	if !answered {
		return domain.RoundResult{
			IsCorrect:     false,
			CorrectAnswer: q.CorrectAnswer,
			TimeTaken:     score.AnswerTimeout.Seconds(),
		}
	}

	isCorrect := rec.Answer == q.CorrectAnswer
	taken := score.TimeTaken(g.RoundStart, rec.SubmittedAt)
	sc := score.Calculate(isCorrect, taken, p.Streak)
	return domain.RoundResult{
		IsCorrect:     isCorrect,
		PlayerAnswer:  rec.Answer,
		CorrectAnswer: q.CorrectAnswer,
		TimeTaken:     taken,
		BaseScore:     sc.BaseScore,
		StreakBonus:   sc.StreakBonus,
		TotalScore:    sc.TotalScore,
	}
}
