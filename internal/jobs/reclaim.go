package jobs

import (
	"context"
	"log"
	"time"

	"github.com/camarasama/instant-class-chat/internal/metrics"
)

// Reclaimer deletes unverified identities whose verification window lapsed.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

func StartReclaimJob(ctx context.Context, accounts Reclaimer, collector *metrics.Collector, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				reclaimed, err := accounts.ReclaimExpired(tickCtx)
				cancel()
				if err != nil {
					log.Printf("reclaim job error: %v", err)
					continue
				}
				if reclaimed > 0 {
					collector.RecordReclaimed(reclaimed)
					log.Printf("reclaim job removed %d expired identities", reclaimed)
				}
			}
		}
	}()
}
