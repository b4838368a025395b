package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/score"
)

// GameStore persists game records. Update applies the mutation under a
// conditional write keyed by the record's version, so concurrent handlers
// cannot lose updates; when apply returns an error nothing is written.
type GameStore interface {
	Create(ctx context.Context, g *domain.Game) error
	Get(ctx context.Context, gameID string) (domain.Game, error)
	GetByCode(ctx context.Context, code string) (domain.Game, error)
	Update(ctx context.Context, gameID string, apply func(*domain.Game) error) (domain.Game, error)
}

// AnswerLedger stores one answer per (game, player, question). Record is
// idempotent under redelivery; reads reflect committed writes.
type AnswerLedger interface {
	Record(ctx context.Context, rec domain.AnswerRecord) error
	CountAnswered(ctx context.Context, gameID, questionID string) (int, error)
	Answers(ctx context.Context, gameID, questionID string) ([]domain.AnswerRecord, error)
}

// RoundClaims gates duplicate finalization work on the all-answered path:
// Claim is a single atomic conditional operation whose first call for a
// (game, round) pair returns true and every later call returns false.
// Holding the claim is not proof the round was scored; that lives in the
// game record's ScoredIndex marker.
type RoundClaims interface {
	Claim(ctx context.Context, gameID string, round int) (bool, error)
}

// AnswerEvent is the queued unit of work for the scoring path.
type AnswerEvent struct {
	GameID       string    `json:"gameId"`
	GameCode     string    `json:"gameCode"`
	PlayerConnID string    `json:"playerConnId"`
	Nickname     string    `json:"nickname"`
	QuestionID   string    `json:"questionId"`
	Answer       string    `json:"answer"`
	SubmittedAt  time.Time `json:"submittedAt"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// AnswerQueue decouples answer ingestion from scoring with at-least-once
// delivery. Dequeue blocks until an event arrives, the poll interval
// elapses (ok=false), or ctx is done. A dequeued event stays in flight
// until Ack; an event never acked is redelivered.
type AnswerQueue interface {
	Enqueue(ctx context.Context, ev AnswerEvent) error
	Dequeue(ctx context.Context) (ev AnswerEvent, ok bool, err error)
	Ack(ctx context.Context, ev AnswerEvent) error
}

// QuestionRepository serves the static question bank.
type QuestionRepository interface {
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
	ListQuestions(ctx context.Context) ([]domain.Question, error)
}

// Pusher delivers a payload to a single connection. Best-effort: failures
// are reported but callers never treat them as fatal.
type Pusher interface {
	Push(ctx context.Context, connID string, payload any) error
}

// Config wires the game service and its aggregator.
type Config struct {
	Store     GameStore
	Questions QuestionRepository
	Ledger    AnswerLedger
	Claims    RoundClaims
	Queue     AnswerQueue
	Pusher    Pusher
	Logger    zerolog.Logger

	// AnswerTimeout bounds how long a round stays open; after it (plus
	// TimeoutGrace) a timer forces finalization. Defaults to score.AnswerTimeout.
	AnswerTimeout time.Duration
	TimeoutGrace  time.Duration

	// Clock is test-only.
	Clock func() time.Time
}

// GameService owns the session lifecycle: waiting -> active(i) -> ended.
// All host-only transitions are authorized against the recorded host
// connection, and every state mutation goes through GameStore.Update.
type GameService struct {
	store     GameStore
	questions QuestionRepository
	queue     AnswerQueue
	agg       *Aggregator
	bc        *Broadcaster
	log       zerolog.Logger

	answerTimeout time.Duration
	timeoutGrace  time.Duration
	now           func() time.Time
}

func NewGameService(c Config) *GameService {
	now := c.Clock
	if now == nil {
		now = time.Now
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = score.AnswerTimeout
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 2 * time.Second
	}

	bc := NewBroadcaster(c.Pusher, c.Logger)
	s := &GameService{
		store:         c.Store,
		questions:     c.Questions,
		queue:         c.Queue,
		bc:            bc,
		log:           c.Logger.With().Str("component", "game_service").Logger(),
		answerTimeout: c.AnswerTimeout,
		timeoutGrace:  c.TimeoutGrace,
		now:           now,
	}
	s.agg = newAggregator(aggregatorConfig{
		store:     c.Store,
		questions: c.Questions,
		ledger:    c.Ledger,
		claims:    c.Claims,
		queue:     c.Queue,
		bc:        bc,
		log:       c.Logger,
		clock:     now,
	})
	return s
}

// Aggregator exposes the answer-processing worker for the CLI wiring.
func (s *GameService) Aggregator() *Aggregator { return s.agg }

// Create initializes a game in the waiting state with the full question
// sequence from the bank. The creating connection becomes the host.
func (s *GameService) Create(ctx context.Context, hostConnID, code string) (domain.Game, error) {
	qs, err := s.questions.ListQuestions(ctx)
	if err != nil {
		return domain.Game{}, fmt.Errorf("list questions: %w", err)
	}
	ids := make([]string, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
	}

	g := domain.Game{
		ID:             uuid.NewString(),
		Code:           code,
		HostConnID:     hostConnID,
		QuestionIDs:    ids,
		CurrentIndex:   -1,
		ScoredIndex:    -1,
		TotalQuestions: len(ids),
		Status:         domain.StatusWaiting,
		CreatedAt:      s.now(),
	}
	if err := s.store.Create(ctx, &g); err != nil {
		return domain.Game{}, err
	}

	s.bc.GameInitiated(ctx, g)
	return g, nil
}

// Status reports the lifecycle status of the game behind a join code.
func (s *GameService) Status(ctx context.Context, code string) (domain.GameStatus, error) {
	g, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return "", err
	}
	return g.Status, nil
}

// CheckNickname reports whether nickname is free in the game behind code.
// The check is case-insensitive and advisory; Join re-checks atomically.
func (s *GameService) CheckNickname(ctx context.Context, code, nickname string) (bool, error) {
	g, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return false, err
	}
	return !nicknameTaken(g.Players, nickname), nil
}

// Join adds a player to a waiting game. The nickname collision check runs
// inside the store's conditional update, closing the check-then-write race.
func (s *GameService) Join(ctx context.Context, code, nickname, connID string) (domain.Game, error) {
	g, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return domain.Game{}, err
	}

	updated, err := s.store.Update(ctx, g.ID, func(g *domain.Game) error {
		if g.Status != domain.StatusWaiting {
			return domain.ErrGameAlreadyStarted
		}
		if nicknameTaken(g.Players, nickname) {
			return domain.ErrNicknameTaken
		}
		g.Players = append(g.Players, domain.Player{
			ConnID:   connID,
			Nickname: nickname,
			JoinedAt: s.now(),
		})
		return nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	s.bc.PlayerJoined(ctx, updated)
	s.bc.JoinedGame(ctx, connID, updated.ID)
	return updated, nil
}

// Start transitions a waiting game to its first round. Host-only.
func (s *GameService) Start(ctx context.Context, gameID, byConn string) (domain.Game, error) {
	updated, err := s.store.Update(ctx, gameID, func(g *domain.Game) error {
		if g.HostConnID != byConn {
			return domain.ErrNotHost
		}
		if g.Status != domain.StatusWaiting {
			return domain.ErrInvalidState
		}
		g.Status = domain.StatusActive
		s.openRoundLocked(g, 0)
		return nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	s.bc.GameStarted(ctx, updated)
	s.pushQuestion(ctx, updated)
	s.scheduleTimeout(updated.ID, 0)
	return updated, nil
}

// errGameEnded aborts the open-next write when the game ended between the
// forced finalization and the write. The caller reloads and returns the
// ended game.
var errGameEnded = errors.New("game ended")

// Advance moves an active game to the next round, or ends it after the
// last one. Host-only. If the current round has not been finalized (not
// every player answered), finalization is forced first; the conditional
// result write keeps the round scored exactly once even when submissions
// or the timeout race the advance.
func (s *GameService) Advance(ctx context.Context, gameID, byConn string) (domain.Game, error) {
	g, err := s.store.Get(ctx, gameID)
	if err != nil {
		return domain.Game{}, err
	}
	if g.HostConnID != byConn {
		return domain.Game{}, domain.ErrNotHost
	}
	if g.Status != domain.StatusActive {
		return domain.Game{}, domain.ErrInvalidState
	}

	if err := s.agg.ForceFinalize(ctx, gameID, g.CurrentIndex); err != nil {
		return domain.Game{}, fmt.Errorf("finalize round %d: %w", g.CurrentIndex, err)
	}

	// Finalizing the last round ends the game; there is nothing to open.
	g, err = s.store.Get(ctx, gameID)
	if err != nil {
		return domain.Game{}, err
	}
	if g.Status == domain.StatusEnded {
		return g, nil
	}

	next := g.CurrentIndex + 1
	updated, err := s.store.Update(ctx, gameID, func(g *domain.Game) error {
		if g.Status == domain.StatusEnded {
			return errGameEnded
		}
		if g.Status != domain.StatusActive {
			return domain.ErrInvalidState
		}
		if g.CurrentIndex+1 != next {
			// Another advance won the race; treat ours as a no-op.
			return domain.ErrInvalidState
		}
		if g.ScoredIndex != g.CurrentIndex {
			// The current round's result has not been committed yet.
			return domain.ErrInvalidState
		}
		s.openRoundLocked(g, next)
		return nil
	})
	if errors.Is(err, errGameEnded) {
		// A concurrent finalization of the last round closed the game
		// after our precheck; hand the ended game back like any other
		// post-final advance.
		return s.store.Get(ctx, gameID)
	}
	if err != nil {
		return domain.Game{}, err
	}

	s.pushQuestion(ctx, updated)
	s.scheduleTimeout(updated.ID, next)
	return updated, nil
}

// End force-terminates a game and broadcasts the final leaderboard. Host-only.
func (s *GameService) End(ctx context.Context, gameID, byConn string) (domain.Game, error) {
	updated, err := s.store.Update(ctx, gameID, func(g *domain.Game) error {
		if g.HostConnID != byConn {
			return domain.ErrNotHost
		}
		if g.Status == domain.StatusEnded {
			return domain.ErrInvalidState
		}
		g.Status = domain.StatusEnded
		g.EndedAt = s.now()
		return nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	s.bc.GameEnded(ctx, updated)
	return updated, nil
}

// Submit validates the submitting connection and queues the answer for the
// asynchronous scoring path. Scoring side effects happen in the worker.
func (s *GameService) Submit(ctx context.Context, code, nickname, questionID, answer, connID string, submittedAt time.Time) error {
	g, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if _, ok := g.Player(connID); !ok {
		return domain.ErrPlayerNotFound
	}

	ev := AnswerEvent{
		GameID:       g.ID,
		GameCode:     g.Code,
		PlayerConnID: connID,
		Nickname:     nickname,
		QuestionID:   questionID,
		Answer:       answer,
		SubmittedAt:  submittedAt,
		EnqueuedAt:   s.now(),
	}
	if err := s.queue.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("enqueue answer: %w", err)
	}
	return nil
}

// openRoundLocked runs inside a store update: it advances the index, stamps
// the round-open time, and snapshots the player count the round waits for.
func (s *GameService) openRoundLocked(g *domain.Game, index int) {
	g.CurrentIndex = index
	g.RoundStart = s.now()
	g.RoundPlayerCount = len(g.Players)
}

// pushQuestion delivers the open round's question to every connection. By
// the time it runs the round transition has already committed, so a lookup
// or delivery failure is logged and not surfaced: the timeout timer still
// closes the round, and the state itself is consistent.
func (s *GameService) pushQuestion(ctx context.Context, g domain.Game) {
	qid, ok := g.CurrentQuestionID()
	if !ok {
		s.log.Error().Str("game", g.ID).Int("round", g.CurrentIndex).
			Msg("open round has no question")
		return
	}
	q, err := s.questions.GetQuestion(ctx, qid)
	if err != nil {
		s.log.Error().Err(err).
			Str("game", g.ID).Str("question", qid).
			Msg("question lookup failed after round open")
		return
	}
	s.bc.NewQuestion(ctx, g, q)
}

// scheduleTimeout arms the time-driven finalization fallback. A stale timer
// (the round already scored, or the game moved on) sees the committed state
// and becomes a no-op, so timers are never cancelled.
func (s *GameService) scheduleTimeout(gameID string, round int) {
	time.AfterFunc(s.answerTimeout+s.timeoutGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.agg.ForceFinalize(ctx, gameID, round); err != nil {
			s.log.Error().Err(err).
				Str("game", gameID).Int("round", round).
				Msg("timeout finalization failed")
		}
	})
}

func nicknameTaken(players []domain.Player, nickname string) bool {
	for _, p := range players {
		if strings.EqualFold(p.Nickname, nickname) {
			return true
		}
	}
	return false
}

// Rank orders players for the leaderboard: score descending, then earliest
// join, then nickname. The sort is deterministic so replays rank identically.
func Rank(players []domain.Player) []domain.LeaderboardEntry {
	ranked := make([]domain.Player, len(players))
	copy(ranked, players)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].Nickname < ranked[j].Nickname
	})

	entries := make([]domain.LeaderboardEntry, len(ranked))
	for i, p := range ranked {
		entries[i] = domain.LeaderboardEntry{
			Nickname: p.Nickname,
			Score:    p.Score,
			Position: i + 1,
		}
	}
	return entries
}
