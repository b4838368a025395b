package domain

import "time"

// GameStatus is the lifecycle state of a game session.
type GameStatus string

const (
	StatusWaiting GameStatus = "waiting"
	StatusActive  GameStatus = "active"
	StatusEnded   GameStatus = "ended"
)

// Player is a participant in a game, keyed by their connection ID.
type Player struct {
	ConnID     string       `json:"connId"`
	Nickname   string       `json:"nickname"`
	Score      int          `json:"score"`
	Streak     int          `json:"streak"`
	JoinedAt   time.Time    `json:"joinedAt"`
	LastResult *RoundResult `json:"lastResult,omitempty"`
}

// Game is the durable session record. It is mutated only through
// conditional store updates; Version guards against lost updates.
type Game struct {
	ID               string     `json:"id"`
	Code             string     `json:"code"`
	HostConnID       string     `json:"hostConnId"`
	QuestionIDs      []string   `json:"questionIds"`
	CurrentIndex     int        `json:"currentIndex"` // -1 before start
	TotalQuestions   int        `json:"totalQuestions"`
	Status           GameStatus `json:"status"`
	RoundStart       time.Time  `json:"roundStart"`
	RoundPlayerCount int        `json:"roundPlayerCount"` // snapshot taken when the round opens
	ScoredIndex      int        `json:"scoredIndex"`      // last round with a committed result, -1 before any
	Players          []Player   `json:"players"`
	CreatedAt        time.Time  `json:"createdAt"`
	EndedAt          time.Time  `json:"endedAt,omitempty"`
	Version          int64      `json:"version"`
}

// Player returns the player registered under connID.
func (g *Game) Player(connID string) (*Player, bool) {
	for i := range g.Players {
		if g.Players[i].ConnID == connID {
			return &g.Players[i], true
		}
	}
	return nil, false
}

// CurrentQuestionID returns the open question's ID, if a round is open.
func (g *Game) CurrentQuestionID() (string, bool) {
	if g.CurrentIndex < 0 || g.CurrentIndex >= len(g.QuestionIDs) {
		return "", false
	}
	return g.QuestionIDs[g.CurrentIndex], true
}

// Clone deep-copies the game so callers can mutate it without sharing
// player state with the stored record.
func (g Game) Clone() Game {
	out := g
	out.QuestionIDs = append([]string(nil), g.QuestionIDs...)
	out.Players = make([]Player, len(g.Players))
	for i, p := range g.Players {
		out.Players[i] = p
		if p.LastResult != nil {
			res := *p.LastResult
			out.Players[i].LastResult = &res
		}
	}
	return out
}

// AnswerRecord is one submitted answer. The (GameID, PlayerConnID,
// QuestionID) key is write-once; redelivered submissions overwrite it.
type AnswerRecord struct {
	GameID       string    `json:"gameId"`
	PlayerConnID string    `json:"playerConnId"`
	QuestionID   string    `json:"questionId"`
	Answer       string    `json:"answer"`
	Nickname     string    `json:"nickname"`
	SubmittedAt  time.Time `json:"submittedAt"` // client-observed submission time
	ReceivedAt   time.Time `json:"receivedAt"`
}

// RoundResult is the per-player outcome of one scored round.
type RoundResult struct {
	IsCorrect     bool    `json:"isCorrect"`
	PlayerAnswer  string  `json:"playerAnswer"`
	CorrectAnswer string  `json:"correctAnswer"`
	TimeTaken     float64 `json:"timeTaken"`
	BaseScore     int     `json:"baseScore"`
	StreakBonus   int     `json:"streakBonus"`
	TotalScore    int     `json:"totalScore"`
}

// Question models one multiple-choice trivia question.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
}

// LeaderboardEntry is a ranked scoreboard row.
type LeaderboardEntry struct {
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	Position int    `json:"position"`
}
