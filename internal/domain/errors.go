package domain

import "errors"

var (
	// ErrGameNotFound is returned when no game matches the given ID or code.
	ErrGameNotFound = errors.New("game not found")
	// ErrGameExists is returned when creating a game with an ID already in use.
	ErrGameExists = errors.New("game already exists")
	// ErrQuestionNotFound indicates a question ID is absent from the bank.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrPlayerNotFound is returned when a connection acts without having joined.
	ErrPlayerNotFound = errors.New("player not found in game")
	// ErrNicknameTaken is returned on a case-insensitive nickname collision.
	ErrNicknameTaken = errors.New("nickname already taken")
	// ErrNotHost is returned when a non-host connection attempts a host-only action.
	ErrNotHost = errors.New("only the host may perform this action")
	// ErrGameAlreadyStarted is returned when joining a game that has left the lobby.
	ErrGameAlreadyStarted = errors.New("game already started")
	// ErrInvalidState is returned when an action is illegal for the game's status.
	ErrInvalidState = errors.New("action not allowed in current game state")
)
