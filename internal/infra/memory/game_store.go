package memory

import (
	"context"
	"sync"

	"trivia-live-service/internal/domain"
)

// GameStore is an in-memory implementation of app.GameStore. The single
// mutex makes every Update a serialized conditional write, matching the
// semantics the redis store provides with WATCH transactions.
type GameStore struct {
	mu     sync.RWMutex
	games  map[string]domain.Game
	byCode map[string]string
}

func NewGameStore() *GameStore {
	return &GameStore{
		games:  make(map[string]domain.Game),
		byCode: make(map[string]string),
	}
}

func (s *GameStore) Create(_ context.Context, g *domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.games[g.ID]; ok {
		return domain.ErrGameExists
	}
	if _, ok := s.byCode[g.Code]; ok {
		return domain.ErrGameExists
	}
	g.Version = 1
	s.games[g.ID] = g.Clone()
	s.byCode[g.Code] = g.ID
	return nil
}

func (s *GameStore) Get(_ context.Context, gameID string) (domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	if !ok {
		return domain.Game{}, domain.ErrGameNotFound
	}
	return g.Clone(), nil
}

func (s *GameStore) GetByCode(_ context.Context, code string) (domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return domain.Game{}, domain.ErrGameNotFound
	}
	return s.games[id].Clone(), nil
}

func (s *GameStore) Update(_ context.Context, gameID string, apply func(*domain.Game) error) (domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.games[gameID]
	if !ok {
		return domain.Game{}, domain.ErrGameNotFound
	}

	g := stored.Clone()
	if err := apply(&g); err != nil {
		return domain.Game{}, err
	}
	g.Version = stored.Version + 1
	s.games[gameID] = g.Clone()
	return g, nil
}
