package memory

import (
	"context"
	"fmt"
	"sync"
)

// RoundClaims is an in-memory implementation of app.RoundClaims. The map
// insert under the mutex is the atomic test-and-set: the first caller for a
// (game, round) pair wins, everyone after loses.
type RoundClaims struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewRoundClaims() *RoundClaims {
	return &RoundClaims{claimed: make(map[string]struct{})}
}

func (c *RoundClaims) Claim(_ context.Context, gameID string, round int) (bool, error) {
	key := fmt.Sprintf("%s:%d", gameID, round)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claimed[key]; ok {
		return false, nil
	}
	c.claimed[key] = struct{}{}
	return true, nil
}
