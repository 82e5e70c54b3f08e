// Package timeline provides the reporter that converts engine state into
// periodic timeline pushes to the watch-state service.
package timeline

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// Remote is the watch-state service surface the reporter needs.
type Remote interface {
	PushTimeline(ctx context.Context, itemKey string, position, duration time.Duration, state media.TimelineState) (time.Duration, error)
	MarkWatched(ctx context.Context, itemKey string) error
}

// ProgressCache is the pending-progress surface the reporter writes
// through. It never mutates the underlying map directly.
type ProgressCache interface {
	Upsert(itemKey string, position, duration time.Duration, state media.TimelineState)
	RemoveIfCovered(itemKey string, confirmed time.Duration)
	Remove(itemKey string)
}

// Autoplay receives near-completion and stop notifications.
type Autoplay interface {
	Prime(sourceKey string)
	OnStopped(sourceKey string)
}

// Source produces live timeline snapshots. The playback state machine
// implements it.
type Source interface {
	Snapshot() (media.TimelineSnapshot, bool)
}

// Config holds reporter tuning.
type Config struct {
	PollInterval time.Duration // Snapshot poll interval
	Hysteresis   time.Duration // Minimum position delta for an unchanged-state report
	ConfirmSlack time.Duration // Tolerated gap between local and confirmed offset
}

// Reporter polls the playback source and pushes throttled timeline
// reports. State transitions and forced reports bypass the throttle.
type Reporter struct {
	mu sync.Mutex

	cfg      Config
	source   Source
	remote   Remote
	cache    ProgressCache
	autoplay Autoplay

	last    media.TimelineSnapshot
	hasLast bool
	watched map[string]bool

	pushInFlight bool
	stopCh       chan struct{}
}

// New creates a new timeline reporter. autoplay may be nil.
func New(cfg Config, source Source, remote Remote, cache ProgressCache, autoplay Autoplay) *Reporter {
	return &Reporter{
		cfg:      cfg,
		source:   source,
		remote:   remote,
		cache:    cache,
		autoplay: autoplay,
		watched:  make(map[string]bool),
	}
}

// Start launches the poll loop. Starting a running reporter is a no-op.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	go r.loop(stopCh)
}

// Stop halts the poll loop. Stopping a stopped reporter is a no-op.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.stopCh = nil
}

func (r *Reporter) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick reads one snapshot and pushes it when it differs meaningfully from
// the last report. The push runs on a worker goroutine; only one may be
// in flight at a time.
func (r *Reporter) tick() {
	snap, ok := r.source.Snapshot()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.pushInFlight {
		r.mu.Unlock()
		return
	}
	if !r.shouldReportLocked(snap) {
		r.mu.Unlock()
		return
	}
	r.pushInFlight = true
	r.recordLocked(snap)
	r.mu.Unlock()

	go func() {
		r.submit(snap)
		r.mu.Lock()
		r.pushInFlight = false
		r.mu.Unlock()
	}()
}

// ReportNow pushes a snapshot synchronously, bypassing the hysteresis.
// The state machine uses it for seek and final stop reports.
func (r *Reporter) ReportNow(snap media.TimelineSnapshot) {
	r.mu.Lock()
	r.recordLocked(snap)
	r.mu.Unlock()

	r.submit(snap)
}

// shouldReportLocked applies the content throttle: report when the state
// changed, the item changed, or the position moved past the hysteresis.
func (r *Reporter) shouldReportLocked(snap media.TimelineSnapshot) bool {
	if !r.hasLast || r.last.ItemKey != snap.ItemKey || r.last.State != snap.State {
		return true
	}
	delta := snap.Position - r.last.Position
	if delta < 0 {
		delta = -delta
	}
	return delta >= r.cfg.Hysteresis
}

func (r *Reporter) recordLocked(snap media.TimelineSnapshot) {
	r.last = snap
	r.hasLast = true
	// A fresh play below the threshold re-arms the one-time watched mark.
	if snap.State == media.StatePlaying && !snap.NearCompletion() {
		delete(r.watched, snap.ItemKey)
	}
}

// submit pushes a single report and reconciles the pending-progress
// cache with the result.
func (r *Reporter) submit(snap media.TimelineSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	near := snap.NearCompletion()

	// Near-completion while still playing primes the next item early so
	// the switch is instant when the item stops.
	if near && r.autoplay != nil && snap.State != media.StateStopped {
		r.autoplay.Prime(snap.ItemKey)
	}

	if snap.State == media.StateStopped && near {
		r.finishWatched(ctx, snap)
		return
	}

	confirmed, err := r.remote.PushTimeline(ctx, snap.ItemKey, snap.Position, snap.Duration, snap.State)
	if err != nil {
		zlog.Warn().Msgf("timeline: push failed, caching progress: item=%s: %v", snap.ItemKey, err)
		r.cache.Upsert(snap.ItemKey, snap.Position, snap.Duration, snap.State)
		return
	}

	if confirmed >= snap.Position-r.cfg.ConfirmSlack {
		// The removal re-checks against the cached entry: a slow push
		// landing after a newer position was cached must not erase it.
		r.cache.RemoveIfCovered(snap.ItemKey, confirmed)
	} else {
		r.cache.Upsert(snap.ItemKey, snap.Position, snap.Duration, snap.State)
	}
}

// finishWatched handles a stopped report past the watched threshold:
// mark watched once, never cache, and hand off to autoplay.
func (r *Reporter) finishWatched(ctx context.Context, snap media.TimelineSnapshot) {
	// The stopped report may be the first one to cross the threshold
	// (short items, a seek to the end, end of media between ticks), so
	// the link may not exist yet. Prime is memoized; this is a no-op
	// when an earlier playing tick already primed it.
	if r.autoplay != nil {
		r.autoplay.Prime(snap.ItemKey)
	}

	r.mu.Lock()
	alreadyMarked := r.watched[snap.ItemKey]
	r.watched[snap.ItemKey] = true
	r.mu.Unlock()

	if !alreadyMarked {
		if err := r.remote.MarkWatched(ctx, snap.ItemKey); err != nil {
			zlog.Warn().Msgf("timeline: mark watched failed: item=%s: %v", snap.ItemKey, err)
		} else {
			zlog.Info().Msgf("timeline: marked watched: item=%s", snap.ItemKey)
		}
	}

	// A completed item never keeps pending progress.
	r.cache.Remove(snap.ItemKey)

	if _, err := r.remote.PushTimeline(ctx, snap.ItemKey, snap.Position, snap.Duration, snap.State); err != nil {
		zlog.Debug().Msgf("timeline: final push failed (item complete, not cached): item=%s: %v", snap.ItemKey, err)
	}

	if r.autoplay != nil {
		r.autoplay.OnStopped(snap.ItemKey)
	}
}
