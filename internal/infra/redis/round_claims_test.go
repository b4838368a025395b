package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRoundClaimsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	claims := NewRoundClaims(client, time.Hour)

	const n = 20
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := claims.Claim(ctx, "g1", 0)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("%d winners for one round, want 1", won.Load())
	}

	if ok, _ := claims.Claim(ctx, "g1", 1); !ok {
		t.Fatalf("next round should be claimable")
	}
	if ok, _ := claims.Claim(ctx, "g2", 0); !ok {
		t.Fatalf("other game should be claimable")
	}
}
