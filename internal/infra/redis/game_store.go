package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/domain"
)

// maxUpdateRetries bounds the optimistic retry loop; conflicts only happen
// when handlers race on the same game, so a handful of retries is plenty.
const maxUpdateRetries = 16

// GameStore keeps game records as JSON values in Redis. Updates run inside
// a WATCH transaction keyed on the game record, so two racing handlers
// cannot overwrite each other's changes: the loser's EXEC fails and its
// mutation is re-applied against the fresh record.
type GameStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGameStore(client *redis.Client, ttl time.Duration) *GameStore {
	return &GameStore{client: client, ttl: ttl}
}

func (s *GameStore) Create(ctx context.Context, g *domain.Game) error {
	g.Version = 1
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal game: %w", err)
	}

	// The join code is the human-facing unique handle; reserving it first
	// also guards against duplicate game IDs.
	ok, err := s.client.SetNX(ctx, s.codeKey(g.Code), g.ID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve code: %w", err)
	}
	if !ok {
		return domain.ErrGameExists
	}

	ok, err = s.client.SetNX(ctx, s.gameKey(g.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store game: %w", err)
	}
	if !ok {
		return domain.ErrGameExists
	}
	return nil
}

func (s *GameStore) Get(ctx context.Context, gameID string) (domain.Game, error) {
	raw, err := s.client.Get(ctx, s.gameKey(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Game{}, domain.ErrGameNotFound
	}
	if err != nil {
		return domain.Game{}, fmt.Errorf("get game: %w", err)
	}
	var g domain.Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return domain.Game{}, fmt.Errorf("unmarshal game: %w", err)
	}
	return g, nil
}

func (s *GameStore) GetByCode(ctx context.Context, code string) (domain.Game, error) {
	id, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Game{}, domain.ErrGameNotFound
	}
	if err != nil {
		return domain.Game{}, fmt.Errorf("resolve code: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *GameStore) Update(ctx context.Context, gameID string, apply func(*domain.Game) error) (domain.Game, error) {
	key := s.gameKey(gameID)
	var updated domain.Game

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return domain.ErrGameNotFound
			}
			if err != nil {
				return err
			}

			var g domain.Game
			if err := json.Unmarshal(raw, &g); err != nil {
				return fmt.Errorf("unmarshal game: %w", err)
			}
			if err := apply(&g); err != nil {
				return err
			}
			g.Version++

			data, err := json.Marshal(g)
			if err != nil {
				return fmt.Errorf("marshal game: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			if err == nil {
				updated = g
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Game{}, err
		}
		return updated, nil
	}
	return domain.Game{}, fmt.Errorf("update game %s: too many conflicting writers", gameID)
}

func (s *GameStore) gameKey(gameID string) string {
	return "game:" + gameID
}

func (s *GameStore) codeKey(code string) string {
	return "game:code:" + code
}
