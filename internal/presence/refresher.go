package presence

import (
	"context"
	"log"
	"time"
)

// StartRefresher keeps the Redis TTLs of locally held seats alive until ctx
// is cancelled. Runs in its own goroutine.
func StartRefresher(ctx context.Context, reg *Registry, store *Store, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seats := reg.Seats()
				if len(seats) == 0 {
					continue
				}
				rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := store.Refresh(rctx, seats...); err != nil {
					log.Printf("[presence] refresh %d seats: %v", len(seats), err)
				}
				cancel()
			}
		}
	}()
}
