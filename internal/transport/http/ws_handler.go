package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
)

// WSHandler upgrades HTTP requests to websockets and translates the wire
// protocol into game service calls. Route keys follow the host/player
// clients: initiateGame, checkGameStatus, checkNickname, joinGame,
// startGame, nextQuestion, submitAnswer, endGame.
type WSHandler struct {
	service  *app.GameService
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService, hub *Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		hub:     hub,
		log:     log.With().Str("component", "ws_handler").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type initiateGamePayload struct {
	GameCode string `json:"gameCode"`
}

type gameCodePayload struct {
	GameCode string `json:"gameCode"`
}

type checkNicknamePayload struct {
	GameCode string `json:"gameCode"`
	Nickname string `json:"nickname"`
}

type joinGamePayload struct {
	GameCode string `json:"gameCode"`
	Nickname string `json:"nickname"`
}

type gameIDPayload struct {
	GameID string `json:"gameId"`
}

type submitAnswerPayload struct {
	GameCode   string `json:"gameCode"`
	Nickname   string `json:"nickname"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
	AnswerTime int64  `json:"answerTime"` // client clock, unix millis
}

type gameStatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type nicknameCheckMsg struct {
	Type        string `json:"type"`
	IsAvailable bool   `json:"isAvailable"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ServeWS handles one websocket connection for its lifetime. Each inbound
// message is handled on its own goroutine: the platform gives no
// serialization point, and the stores are built to be raced on.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	h.hub.Register(connID, conn)
	defer h.hub.Unregister(connID)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("conn", connID).Msg("ws read failed")
			}
			return
		}
		go h.dispatch(r.Context(), connID, inbound)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, connID string, inbound inboundMessage) {
	var err error
	switch inbound.Type {
	case "initiateGame":
		err = h.handleInitiateGame(ctx, connID, inbound.Payload)
	case "checkGameStatus":
		err = h.handleCheckGameStatus(ctx, connID, inbound.Payload)
	case "checkNickname":
		err = h.handleCheckNickname(ctx, connID, inbound.Payload)
	case "joinGame":
		err = h.handleJoinGame(ctx, connID, inbound.Payload)
	case "startGame":
		err = h.handleStartGame(ctx, connID, inbound.Payload)
	case "nextQuestion":
		err = h.handleNextQuestion(ctx, connID, inbound.Payload)
	case "submitAnswer":
		err = h.handleSubmitAnswer(ctx, connID, inbound.Payload)
	case "endGame":
		err = h.handleEndGame(ctx, connID, inbound.Payload)
	default:
		err = newValidationError("unknown message type: " + inbound.Type)
	}

	if err != nil {
		h.sendError(ctx, connID, err)
	}
}

func (h *WSHandler) handleInitiateGame(ctx context.Context, connID string, raw json.RawMessage) error {
	var p initiateGamePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return newValidationError("invalid initiateGame payload")
	}
	if p.GameCode == "" {
		p.GameCode = randomGameCode()
	}
	_, err := h.service.Create(ctx, connID, p.GameCode)
	return err
}

func (h *WSHandler) handleCheckGameStatus(ctx context.Context, connID string, raw json.RawMessage) error {
	var p gameCodePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameCode == "" {
		return newValidationError("invalid checkGameStatus payload")
	}
	status, err := h.service.Status(ctx, p.GameCode)
	if err != nil {
		return err
	}
	return h.hub.Push(ctx, connID, gameStatusMsg{Type: "gameStatus", Status: string(status)})
}

func (h *WSHandler) handleCheckNickname(ctx context.Context, connID string, raw json.RawMessage) error {
	var p checkNicknamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameCode == "" || p.Nickname == "" {
		return newValidationError("invalid checkNickname payload")
	}
	available, err := h.service.CheckNickname(ctx, p.GameCode, p.Nickname)
	if err != nil {
		return err
	}
	return h.hub.Push(ctx, connID, nicknameCheckMsg{Type: "nicknameCheck", IsAvailable: available})
}

func (h *WSHandler) handleJoinGame(ctx context.Context, connID string, raw json.RawMessage) error {
	var p joinGamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameCode == "" || strings.TrimSpace(p.Nickname) == "" {
		return newValidationError("invalid joinGame payload")
	}
	_, err := h.service.Join(ctx, p.GameCode, strings.TrimSpace(p.Nickname), connID)
	return err
}

func (h *WSHandler) handleStartGame(ctx context.Context, connID string, raw json.RawMessage) error {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return newValidationError("invalid startGame payload")
	}
	_, err := h.service.Start(ctx, p.GameID, connID)
	return err
}

func (h *WSHandler) handleNextQuestion(ctx context.Context, connID string, raw json.RawMessage) error {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return newValidationError("invalid nextQuestion payload")
	}
	_, err := h.service.Advance(ctx, p.GameID, connID)
	return err
}

func (h *WSHandler) handleSubmitAnswer(ctx context.Context, connID string, raw json.RawMessage) error {
	var p submitAnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameCode == "" || p.QuestionID == "" {
		return newValidationError("invalid submitAnswer payload")
	}
	submittedAt := time.Now()
	if p.AnswerTime > 0 {
		submittedAt = time.UnixMilli(p.AnswerTime)
	}
	return h.service.Submit(ctx, p.GameCode, p.Nickname, p.QuestionID, p.Answer, connID, submittedAt)
}

func (h *WSHandler) handleEndGame(ctx context.Context, connID string, raw json.RawMessage) error {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return newValidationError("invalid endGame payload")
	}
	_, err := h.service.End(ctx, p.GameID, connID)
	return err
}

func (h *WSHandler) sendError(ctx context.Context, connID string, err error) {
	msg := errorMsg{Type: "error", Kind: errorKind(err), Message: err.Error()}
	if pushErr := h.hub.Push(ctx, connID, msg); pushErr != nil {
		h.log.Warn().Err(pushErr).Str("conn", connID).Msg("error push failed")
	}
}

type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func newValidationError(msg string) error { return validationError{msg: msg} }

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrGameNotFound), errors.Is(err, domain.ErrQuestionNotFound), errors.Is(err, domain.ErrPlayerNotFound):
		return "notFound"
	case errors.Is(err, domain.ErrNotHost):
		return "unauthorized"
	case errors.Is(err, domain.ErrNicknameTaken):
		return "nicknameTaken"
	case errors.Is(err, domain.ErrGameAlreadyStarted), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrGameExists):
		return "invalidState"
	default:
		var v validationError
		if errors.As(err, &v) {
			return "validation"
		}
		return "internal"
	}
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomGameCode() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}
