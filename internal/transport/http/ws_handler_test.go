package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/infra/memory"
)

func TestWebSocketGameFlow(t *testing.T) {
	server, cancel := newTestServer(t)
	defer cancel()

	host := dial(t, server)
	defer host.Close()
	player := dial(t, server)
	defer player.Close()

	// Host creates a game.
	send(t, host, "initiateGame", map[string]any{"gameCode": "ABC123"})
	initiated := readUntil(t, host, "gameInitiated")
	gameID, _ := initiated["gameId"].(string)
	if gameID == "" {
		t.Fatalf("gameInitiated missing game id: %+v", initiated)
	}
	if initiated["totalQuestions"] != float64(3) {
		t.Fatalf("expected 3 questions, got %v", initiated["totalQuestions"])
	}

	// Player checks the lobby before joining.
	send(t, player, "checkGameStatus", map[string]any{"gameCode": "ABC123"})
	status := readUntil(t, player, "gameStatus")
	if status["status"] != "waiting" {
		t.Fatalf("expected waiting, got %v", status["status"])
	}
	send(t, player, "checkNickname", map[string]any{"gameCode": "ABC123", "nickname": "Alice"})
	check := readUntil(t, player, "nicknameCheck")
	if check["isAvailable"] != true {
		t.Fatalf("expected nickname available: %+v", check)
	}

	send(t, player, "joinGame", map[string]any{"gameCode": "ABC123", "nickname": "Alice"})
	joined := readUntil(t, player, "joinedGame")
	if joined["gameId"] != gameID {
		t.Fatalf("joinedGame for wrong game: %+v", joined)
	}
	lobby := readUntil(t, host, "playerJoined")
	players := lobby["players"].([]any)
	if len(players) != 1 || players[0].(map[string]any)["nickname"] != "Alice" {
		t.Fatalf("unexpected lobby: %+v", lobby)
	}

	// Start opens the first round. Players get answer options, the host
	// screen does not.
	send(t, host, "startGame", map[string]any{"gameId": gameID})
	readUntil(t, player, "gameStarted")
	playerQ := readUntil(t, player, "newQuestion")
	if playerQ["questionId"] != "q1" || playerQ["options"] == nil {
		t.Fatalf("player question missing options: %+v", playerQ)
	}
	hostQ := readUntil(t, host, "newQuestion")
	if _, ok := hostQ["options"]; ok {
		t.Fatalf("host question leaked options: %+v", hostQ)
	}

	// The only player answers correctly; the round finalizes.
	send(t, player, "submitAnswer", map[string]any{
		"gameCode": "ABC123", "nickname": "Alice",
		"questionId": "q1", "answer": "Mars",
		"answerTime": time.Now().UnixMilli(),
	})
	readUntil(t, player, "answerReceived")
	result := readUntil(t, player, "roundResult")
	pr := result["playerResult"].(map[string]any)
	if pr["isCorrect"] != true {
		t.Fatalf("expected correct result: %+v", result)
	}
	if result["position"] != float64(1) || result["totalPlayers"] != float64(1) {
		t.Fatalf("unexpected ranking: %+v", result)
	}
	summary := readUntil(t, host, "roundEnded")
	top := summary["topPlayers"].([]any)
	if len(top) != 1 || top[0].(map[string]any)["nickname"] != "Alice" {
		t.Fatalf("unexpected round summary: %+v", summary)
	}

	// Host advances, then ends the game early; everyone gets the final
	// leaderboard.
	send(t, host, "nextQuestion", map[string]any{"gameId": gameID})
	q2 := readUntil(t, player, "newQuestion")
	if q2["questionId"] != "q2" {
		t.Fatalf("expected q2, got %+v", q2)
	}

	send(t, host, "endGame", map[string]any{"gameId": gameID})
	ended := readUntil(t, player, "gameEnded")
	lb := ended["leaderboard"].([]any)
	if len(lb) != 1 || lb[0].(map[string]any)["nickname"] != "Alice" {
		t.Fatalf("unexpected leaderboard: %+v", ended)
	}
	readUntil(t, host, "gameEnded")
}

func TestWebSocketErrorReplies(t *testing.T) {
	server, cancel := newTestServer(t)
	defer cancel()

	host := dial(t, server)
	defer host.Close()
	stranger := dial(t, server)
	defer stranger.Close()

	send(t, host, "initiateGame", map[string]any{"gameCode": "ABC123"})
	initiated := readUntil(t, host, "gameInitiated")
	gameID := initiated["gameId"].(string)

	// Unknown game code.
	send(t, stranger, "checkGameStatus", map[string]any{"gameCode": "NOPE42"})
	errMsg := readUntil(t, stranger, "error")
	if errMsg["kind"] != "notFound" {
		t.Fatalf("expected notFound, got %+v", errMsg)
	}

	// Only the host connection may start the game.
	send(t, stranger, "startGame", map[string]any{"gameId": gameID})
	errMsg = readUntil(t, stranger, "error")
	if errMsg["kind"] != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", errMsg)
	}

	// Malformed payloads are rejected without touching game state.
	send(t, stranger, "joinGame", map[string]any{"gameCode": "ABC123"})
	errMsg = readUntil(t, stranger, "error")
	if errMsg["kind"] != "validation" {
		t.Fatalf("expected validation, got %+v", errMsg)
	}

	// Unknown route.
	send(t, stranger, "launchMissiles", map[string]any{})
	errMsg = readUntil(t, stranger, "error")
	if errMsg["kind"] != "validation" {
		t.Fatalf("expected validation for unknown type, got %+v", errMsg)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, context.CancelFunc) {
	t.Helper()

	hub := NewHub(zerolog.Nop())
	svc := app.NewGameService(app.Config{
		Store: memory.NewGameStore(),
		Questions: memory.NewQuestionRepository(memory.NewStaticQuestionLoader([]domain.Question{
			{ID: "q1", Text: "Which planet is known as the Red Planet?", Options: []string{"Venus", "Mars"}, CorrectAnswer: "Mars"},
			{ID: "q2", Text: "What is the largest ocean on Earth?", Options: []string{"Atlantic", "Pacific"}, CorrectAnswer: "Pacific"},
			{ID: "q3", Text: "How many continents are there?", Options: []string{"6", "7"}, CorrectAnswer: "7"},
		}), time.Minute),
		Ledger: memory.NewAnswerLedger(),
		Claims: memory.NewRoundClaims(),
		Queue:  memory.NewAnswerQueue(0),
		Pusher: hub,
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Aggregator().Run(ctx) }()

	handler := NewWSHandler(svc, hub, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, cancel
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": json.RawMessage(raw)}); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
}

// readUntil reads messages until one of the wanted type arrives. Pushes
// from concurrent handlers interleave, so tests skip what they are not
// waiting for.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("timed out waiting for %s", msgType)
	return nil
}
