// Package cleanup hard-deletes expired posts. Expired content is already
// invisible to every read path; the sweep reclaims the rows and their
// children. Two triggers share one sweeper: a background ticker, or a lazy
// hook driven by request traffic for deployments without resident workers.
package cleanup

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftwall/driftwall/internal/store"
)

type Stats struct {
	Runs         int64      `json:"runs"`
	TotalDeleted int64      `json:"total_deleted"`
	LastDeleted  int64      `json:"last_deleted"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Fallbacks    int64      `json:"fallbacks"`
}

// Sweeper owns the delete pass. At most one sweep runs at a time; overlapping
// triggers return immediately with zero work done.
type Sweeper struct {
	posts  store.PostStore
	logger *log.Logger

	inProgress atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func NewSweeper(posts store.PostStore, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{posts: posts, logger: logger}
}

// Sweep deletes everything expired as of now. The cascade path goes first;
// if it fails the direct child-by-child path runs instead, so a database
// opened without foreign key enforcement still drains.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.inProgress.Store(false)

	deleted, err := s.posts.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Printf("cleanup: cascade delete failed, trying direct: %v", err)
		var directErr error
		deleted, directErr = s.posts.DeleteExpiredDirect(ctx, now)
		if directErr != nil {
			s.record(now, 0, false, directErr)
			return 0, directErr
		}
		s.record(now, deleted, true, nil)
		if deleted > 0 {
			s.logger.Printf("cleanup: removed %d expired posts (direct)", deleted)
		}
		return deleted, nil
	}

	s.record(now, deleted, false, nil)
	if deleted > 0 {
		s.logger.Printf("cleanup: removed %d expired posts", deleted)
	}
	return deleted, nil
}

func (s *Sweeper) record(now time.Time, deleted int64, fallback bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs++
	s.stats.LastDeleted = deleted
	s.stats.TotalDeleted += deleted
	t := now
	s.stats.LastRunAt = &t
	if fallback {
		s.stats.Fallbacks++
	}
	if err != nil {
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
}

func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Pending reports how many expired posts are waiting for the next sweep.
func (s *Sweeper) Pending(ctx context.Context, now time.Time) (int64, error) {
	return s.posts.CountExpired(ctx, now)
}

// Timer drives the sweeper on a fixed interval until the context ends.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
}

func NewTimer(sweeper *Sweeper, interval time.Duration) *Timer {
	return &Timer{sweeper: sweeper, interval: interval}
}

// Run sweeps once immediately, then on every tick until the context ends.
// The startup sweep drains whatever expired while the process was down.
func (t *Timer) Run(ctx context.Context) {
	if _, err := t.sweeper.Sweep(ctx, time.Now()); err != nil {
		t.sweeper.logger.Printf("cleanup: sweep failed: %v", err)
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := t.sweeper.Sweep(ctx, now); err != nil {
				t.sweeper.logger.Printf("cleanup: sweep failed: %v", err)
			}
		}
	}
}

// Lazy piggybacks sweeps on request traffic. MaybeSweep is cheap enough to
// call on every request: it claims the run slot with a CAS on the last-run
// timestamp before doing any work, so concurrent requests never both sweep.
type Lazy struct {
	sweeper  *Sweeper
	interval time.Duration
	lastRun  atomic.Int64
}

func NewLazy(sweeper *Sweeper, interval time.Duration) *Lazy {
	return &Lazy{sweeper: sweeper, interval: interval}
}

func (l *Lazy) MaybeSweep(ctx context.Context, now time.Time) {
	last := l.lastRun.Load()
	if now.UnixNano()-last < int64(l.interval) {
		return
	}
	// Claim before sweeping: a failed sweep waits out a full interval
	// rather than retrying on the next request.
	if !l.lastRun.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if _, err := l.sweeper.Sweep(ctx, now); err != nil {
		l.sweeper.logger.Printf("cleanup: lazy sweep failed: %v", err)
	}
}
