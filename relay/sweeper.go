package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HealthNoteLabs/HealthNote-Relay/store"
)

// Sweeper periodically deletes events whose expires_at tag has passed.
// Subscribers are not notified; they observe the absence on later
// queries.
type Sweeper struct {
	store    *store.Store
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewSweeper creates a sweeper with the given tick interval.
func NewSweeper(st *store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, interval: interval, now: time.Now}
}

// Start launches the timer loop. One sweep runs immediately so a relay
// that was down past many expirations catches up on boot.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.store.DeleteIfExpired(ctx, s.now().Unix())
	if err != nil {
		slog.Warn("expiry sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("expiry sweep deleted events", "count", deleted)
	}
}
