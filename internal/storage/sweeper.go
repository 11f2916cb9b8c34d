package storage

import (
	"context"
	"time"
)

// RunSweeper calls store.Sweep every interval until ctx is cancelled. report,
// when non-nil, receives the outcome of each sweep.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, report func(removed int, err error)) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Sweep(ctx)
			if report != nil {
				report(removed, err)
			}
		}
	}
}
