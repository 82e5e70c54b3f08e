// Package progress provides the durable pending-progress cache and its
// flush scheduler. The cache owns every write to the persisted
// pending-progress map; other components go through it.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/watchlink/watchlink/internal/domain/media"
	"github.com/watchlink/watchlink/internal/infra/store"
)

// ErrShutdownTimeout is returned when the shutdown flush could not start
// within its budget.
var ErrShutdownTimeout = errors.New("shutdown flush timed out")

// Pusher re-attempts timeline pushes for cached entries.
type Pusher interface {
	PushTimeline(ctx context.Context, itemKey string, position, duration time.Duration, state media.TimelineState) (time.Duration, error)
}

// Config holds cache tuning.
type Config struct {
	NoiseThreshold  time.Duration // Minimum position delta worth persisting
	RegressionSlack time.Duration // Tolerated distance behind the high watermark
	ConfirmSlack    time.Duration // Tolerated gap between local and confirmed offset
	FlushInterval   time.Duration // Background flush period
	ShutdownTimeout time.Duration // Budget for the synchronous shutdown flush
}

// Cache is the durable, idempotent pending-progress map.
type Cache struct {
	mu sync.Mutex
	// passMu serializes flush passes. The timer path uses TryLock so a
	// flush arriving while one is active is deferred, never queued twice.
	passMu sync.Mutex

	cfg    Config
	store  *store.Store
	pusher Pusher

	// watermarks tracks the highest position ever observed per key, so
	// stale callbacks from a superseded session cannot clobber newer
	// positions.
	watermarks map[string]time.Duration

	deferred bool
	timer    *time.Timer
	closed   bool
}

// New creates a new pending-progress cache on top of the durable store.
func New(cfg Config, st *store.Store, pusher Pusher) *Cache {
	return &Cache{
		cfg:        cfg,
		store:      st,
		pusher:     pusher,
		watermarks: make(map[string]time.Duration),
	}
}

// Upsert merges a candidate position into the cache. Unreportable, noisy
// and regressed candidates are silently dropped.
func (c *Cache) Upsert(itemKey string, position, duration time.Duration, state media.TimelineState) {
	if position <= 0 || duration <= 0 {
		zlog.Debug().Msgf("progress: dropping unreportable candidate: item=%s pos=%v dur=%v",
			itemKey, position, duration)
		return
	}

	// Completed items never keep pending progress.
	if media.NearCompletion(position, duration) {
		c.Remove(itemKey)
		return
	}

	// The lock is held through the persist so a concurrent removal
	// cannot interleave between the merge checks and the write.
	c.mu.Lock()
	defer c.mu.Unlock()

	wm := c.watermarks[itemKey]
	if position > wm {
		c.watermarks[itemKey] = position
	} else if wm-position > c.cfg.RegressionSlack {
		zlog.Debug().Msgf("progress: rejecting stale candidate: item=%s pos=%v watermark=%v",
			itemKey, position, wm)
		return
	}

	if existing, ok := c.store.GetPending(itemKey); ok && existing.State == state {
		delta := existing.Position - position
		if delta < 0 {
			delta = -delta
		}
		if delta < c.cfg.NoiseThreshold {
			return
		}
	}

	entry := store.Entry{Position: position, Duration: duration, State: state}
	if err := c.store.UpsertPending(itemKey, entry); err != nil {
		zlog.Error().Msgf("progress: failed to persist entry: item=%s: %v", itemKey, err)
		return
	}
	zlog.Debug().Msgf("progress: cached: item=%s pos=%v state=%s", itemKey, position, state)
}

// Remove drops the pending entry for an item. The watermark is kept so
// late stale writes stay rejected.
func (c *Cache) Remove(itemKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(itemKey)
}

// RemoveIfCovered drops the pending entry only when the confirmed offset
// covers the cached position. A confirmation for an older push must not
// erase a newer entry written while that push was in flight.
func (c *Cache) RemoveIfCovered(itemKey string, confirmed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store.GetPending(itemKey)
	if !ok {
		return
	}
	if confirmed < entry.Position-c.cfg.ConfirmSlack {
		zlog.Debug().Msgf("progress: keeping entry, confirmation is behind it: item=%s cached=%v confirmed=%v",
			itemKey, entry.Position, confirmed)
		return
	}
	c.removeLocked(itemKey)
}

// removeLocked drops the entry from the store. Callers hold c.mu.
func (c *Cache) removeLocked(itemKey string) {
	if err := c.store.RemovePending(itemKey); err != nil {
		zlog.Error().Msgf("progress: failed to remove entry: item=%s: %v", itemKey, err)
	}
}

// Get returns the pending entry for an item.
func (c *Cache) Get(itemKey string) (store.Entry, bool) {
	return c.store.GetPending(itemKey)
}

// Start arms the background flush timer.
func (c *Cache) Start() {
	c.armTimer()
}

func (c *Cache) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.FlushInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
		_ = c.Flush(ctx)
		cancel()
		c.armTimer()
	})
}

// Flush re-attempts the remote push for every cached entry. Only one
// pass runs at a time; a request arriving during a pass is deferred and
// runs once after the active pass completes.
func (c *Cache) Flush(ctx context.Context) error {
	if !c.passMu.TryLock() {
		c.mu.Lock()
		c.deferred = true
		c.mu.Unlock()
		return nil
	}
	err := c.flushPassLocked(ctx)
	c.passMu.Unlock()

	c.mu.Lock()
	rerun := c.deferred && !c.closed
	c.deferred = false
	c.mu.Unlock()
	if rerun {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
			defer cancel()
			_ = c.Flush(ctx)
		}()
	}
	return err
}

// flushPassLocked runs one flush pass. Callers hold passMu.
func (c *Cache) flushPassLocked(ctx context.Context) error {
	entries := c.store.ListPending()
	if len(entries) == 0 {
		return nil
	}
	zlog.Debug().Msgf("progress: flushing %d pending entries", len(entries))

	var lastErr error
	for key, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Position <= 0 || e.Duration <= 0 {
			c.Remove(key)
			continue
		}

		confirmed, err := c.pusher.PushTimeline(ctx, key, e.Position, e.Duration, e.State)
		if err != nil {
			zlog.Warn().Msgf("progress: flush push failed, keeping entry: item=%s: %v", key, err)
			lastErr = err
			continue
		}
		if confirmed >= e.Position-c.cfg.ConfirmSlack {
			// The entry may have been rewritten while the push was in
			// flight; the covered check keeps the newer position.
			c.RemoveIfCovered(key, confirmed)
			zlog.Info().Msgf("progress: entry confirmed: item=%s pos=%v", key, e.Position)
		}
	}
	return lastErr
}

// Close stops the flush timer and runs one final synchronous flush,
// bounded by the shutdown timeout. This is the one place that may block
// the caller briefly.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	// Wait for any in-flight pass before the final one. If the budget
	// runs out first, the late acquisition is released again.
	acquired := make(chan struct{})
	go func() {
		c.passMu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			c.passMu.Unlock()
		}()
		return ErrShutdownTimeout
	}
	defer c.passMu.Unlock()

	return c.flushPassLocked(ctx)
}
