package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoundClaims implements the finalization claim as a single SETNX per
// (game, round). SETNX is one atomic conditional write against durable
// state: exactly one of the racing submitters (or the timeout timer, or a
// host advance) sees true, and only that caller may score the round.
type RoundClaims struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoundClaims(client *redis.Client, ttl time.Duration) *RoundClaims {
	return &RoundClaims{client: client, ttl: ttl}
}

func (c *RoundClaims) Claim(ctx context.Context, gameID string, round int) (bool, error) {
	key := fmt.Sprintf("game:%s:round:%d:claim", gameID, round)
	won, err := c.client.SetNX(ctx, key, time.Now().UnixMilli(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim round: %w", err)
	}
	return won, nil
}
