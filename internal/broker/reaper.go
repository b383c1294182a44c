package broker

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// DefaultReaperInterval is the reaper period used when none is given.
const DefaultReaperInterval = 30 * time.Second

// RunReaper expires overdue verification transactions every interval until
// ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.ExpireVerifications(ctx, s.now()); err != nil && ctx.Err() == nil {
				jww.ERROR.Printf("[BROKER] reaper: %v", err)
			}
		}
	}
}
