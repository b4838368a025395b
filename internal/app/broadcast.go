package app

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trivia-live-service/internal/domain"
)

// maxConcurrentPushes bounds the fan-out so one large game cannot exhaust
// the push path.
const maxConcurrentPushes = 16

// Broadcaster composes and delivers game events. Delivery is best-effort:
// a failed push is logged and never aborts delivery to the other
// connections or the operation that triggered it.
type Broadcaster struct {
	pusher Pusher
	log    zerolog.Logger
}

func NewBroadcaster(p Pusher, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		pusher: p,
		log:    log.With().Str("component", "broadcaster").Logger(),
	}
}

type gameInitiatedMsg struct {
	Type           string `json:"type"`
	GameID         string `json:"gameId"`
	GameCode       string `json:"gameCode"`
	TotalQuestions int    `json:"totalQuestions"`
}

type playerJoinedMsg struct {
	Type    string        `json:"type"`
	Players []playerBrief `json:"players"`
}

type playerBrief struct {
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

type joinedGameMsg struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
}

type gameStartedMsg struct {
	Type string `json:"type"`
}

type newQuestionMsg struct {
	Type           string   `json:"type"`
	QuestionID     string   `json:"questionId"`
	QuestionNumber int      `json:"questionNumber"`
	TotalQuestions int      `json:"totalQuestions"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
}

type answerReceivedMsg struct {
	Type string `json:"type"`
}

type roundResultMsg struct {
	Type                  string             `json:"type"`
	PlayerResult          domain.RoundResult `json:"playerResult"`
	TotalScore            int                `json:"totalScore"`
	Position              int                `json:"position"`
	TotalPlayers          int                `json:"totalPlayers"`
	IsHighestStreakPlayer bool               `json:"isHighestStreakPlayer"`
}

type roundEndedMsg struct {
	Type                string        `json:"type"`
	TopPlayers          []playerBrief `json:"topPlayers"`
	HighestStreakPlayer streakBrief   `json:"highestStreakPlayer"`
	CurrentQuestion     int           `json:"currentQuestion"`
	TotalQuestions      int           `json:"totalQuestions"`
}

type streakBrief struct {
	Nickname string `json:"nickname"`
	Streak   int    `json:"streak"`
}

type gameEndedMsg struct {
	Type        string                    `json:"type"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
}

func (b *Broadcaster) GameInitiated(ctx context.Context, g domain.Game) {
	b.push(ctx, g.HostConnID, gameInitiatedMsg{
		Type:           "gameInitiated",
		GameID:         g.ID,
		GameCode:       g.Code,
		TotalQuestions: g.TotalQuestions,
	})
}

func (b *Broadcaster) PlayerJoined(ctx context.Context, g domain.Game) {
	b.push(ctx, g.HostConnID, playerJoinedMsg{
		Type:    "playerJoined",
		Players: briefs(g.Players),
	})
}

func (b *Broadcaster) JoinedGame(ctx context.Context, connID, gameID string) {
	b.push(ctx, connID, joinedGameMsg{Type: "joinedGame", GameID: gameID})
}

func (b *Broadcaster) GameStarted(ctx context.Context, g domain.Game) {
	b.fanOut(ctx, playerConnIDs(g), gameStartedMsg{Type: "gameStarted"})
}

// NewQuestion pushes the opened question. Players receive the options; the
// host screen only needs the question text and progress.
func (b *Broadcaster) NewQuestion(ctx context.Context, g domain.Game, q domain.Question) {
	b.fanOut(ctx, playerConnIDs(g), newQuestionMsg{
		Type:           "newQuestion",
		QuestionID:     q.ID,
		QuestionNumber: g.CurrentIndex + 1,
		TotalQuestions: g.TotalQuestions,
		Question:       q.Text,
		Options:        q.Options,
	})
	b.push(ctx, g.HostConnID, newQuestionMsg{
		Type:           "newQuestion",
		QuestionID:     q.ID,
		QuestionNumber: g.CurrentIndex + 1,
		TotalQuestions: g.TotalQuestions,
		Question:       q.Text,
	})
}

func (b *Broadcaster) AnswerReceived(ctx context.Context, connID string) {
	b.push(ctx, connID, answerReceivedMsg{Type: "answerReceived"})
}

// RoundResults delivers each player their own outcome and rank, and the
// host a round summary with the top three and the streak leader.
func (b *Broadcaster) RoundResults(ctx context.Context, g domain.Game) {
	ranked := make([]domain.Player, len(g.Players))
	copy(ranked, g.Players)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].Nickname < ranked[j].Nickname
	})

	streakLeader := highestStreak(ranked)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPushes)
	for i, p := range ranked {
		if p.LastResult == nil {
			continue
		}
		msg := roundResultMsg{
			Type:                  "roundResult",
			PlayerResult:          *p.LastResult,
			TotalScore:            p.Score,
			Position:              i + 1,
			TotalPlayers:          len(ranked),
			IsHighestStreakPlayer: p.ConnID == streakLeader.ConnID,
		}
		connID := p.ConnID
		eg.Go(func() error {
			b.pushLogged(ctx, connID, msg)
			return nil
		})
	}
	_ = eg.Wait()

	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}
	b.push(ctx, g.HostConnID, roundEndedMsg{
		Type:                "roundEnded",
		TopPlayers:          briefs(top),
		HighestStreakPlayer: streakBrief{Nickname: streakLeader.Nickname, Streak: streakLeader.Streak},
		CurrentQuestion:     g.CurrentIndex + 1,
		TotalQuestions:      g.TotalQuestions,
	})
}

func (b *Broadcaster) GameEnded(ctx context.Context, g domain.Game) {
	msg := gameEndedMsg{Type: "gameEnded", Leaderboard: Rank(g.Players)}
	b.fanOut(ctx, append(playerConnIDs(g), g.HostConnID), msg)
}

func (b *Broadcaster) push(ctx context.Context, connID string, payload any) {
	b.pushLogged(ctx, connID, payload)
}

func (b *Broadcaster) pushLogged(ctx context.Context, connID string, payload any) {
	if err := b.pusher.Push(ctx, connID, payload); err != nil {
		b.log.Warn().Err(err).Str("conn", connID).Msg("push failed")
	}
}

// fanOut delivers payload to every connection with bounded concurrency.
// Failures are collected per destination and never abort siblings.
func (b *Broadcaster) fanOut(ctx context.Context, connIDs []string, payload any) {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPushes)
	for _, connID := range connIDs {
		connID := connID
		eg.Go(func() error {
			b.pushLogged(ctx, connID, payload)
			return nil
		})
	}
	_ = eg.Wait()
}

func playerConnIDs(g domain.Game) []string {
	ids := make([]string, 0, len(g.Players))
	for _, p := range g.Players {
		ids = append(ids, p.ConnID)
	}
	return ids
}

func briefs(players []domain.Player) []playerBrief {
	out := make([]playerBrief, 0, len(players))
	for _, p := range players {
		out = append(out, playerBrief{Nickname: p.Nickname, Score: p.Score})
	}
	return out
}

// highestStreak picks the streak leader, breaking ties by score, matching
// the host display: the streak holder is singled out even at streak zero.
func highestStreak(players []domain.Player) domain.Player {
	if len(players) == 0 {
		return domain.Player{}
	}
	best := players[0]
	for _, p := range players[1:] {
		if p.Streak > best.Streak || (p.Streak == best.Streak && p.Score > best.Score) {
			best = p
		}
	}
	return best
}
