// Package autoplay provides the coordinator that decides when playback
// advances to the next item in a series or play queue.
package autoplay

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// Catalog resolves series successors.
type Catalog interface {
	NextInSeries(ctx context.Context, itemKey string) (*media.PlayableItem, error)
}

// Queue supplies the next queue item. The queue session tracker
// implements it; nil when no queue session is active.
type Queue interface {
	NextPlayable(ctx context.Context) (*media.PlayableItem, int, error)
	Advance(index int)
}

// Starter starts the next item. The playback state machine implements it.
type Starter interface {
	StartNext(item *media.PlayableItem) error
	HasActiveSession() bool
}

// ProgressCache clears stale pending progress for freshly queued items.
type ProgressCache interface {
	Remove(itemKey string)
}

// Config holds coordinator tuning.
type Config struct {
	Enabled     bool
	SwitchDelay time.Duration // Debounce window before the switch executes
}

// Link is a primed source→next transition. At most one exists per source
// key.
type Link struct {
	SourceKey  string
	Item       *media.PlayableItem
	queueIndex int // Index in the queue session, -1 for series links
}

// Coordinator primes and executes autoplay transitions.
type Coordinator struct {
	mu sync.Mutex

	cfg     Config
	catalog Catalog
	cache   ProgressCache
	starter Starter
	queue   Queue

	links   map[string]*Link
	timers  map[string]*time.Timer
	priming map[string]bool

	// generation invalidates in-flight primes when the user takes a
	// manual action.
	generation uint64
}

// New creates a new autoplay coordinator.
func New(cfg Config, catalog Catalog, cache ProgressCache) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		catalog: catalog,
		cache:   cache,
		links:   make(map[string]*Link),
		timers:  make(map[string]*time.Timer),
		priming: make(map[string]bool),
	}
}

// SetStarter wires the playback state machine. Must be called before any
// link can fire.
func (c *Coordinator) SetStarter(starter Starter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starter = starter
}

// AttachQueue attaches the active queue session tracker as a next-item
// source. Passing nil detaches it.
func (c *Coordinator) AttachQueue(q Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
}

// Prime resolves and memoizes the next item after sourceKey. The lookup
// happens at most once per source key; priming an already primed source
// keeps the existing link untouched.
func (c *Coordinator) Prime(sourceKey string) {
	c.mu.Lock()
	if !c.cfg.Enabled || c.priming[sourceKey] {
		c.mu.Unlock()
		return
	}
	if _, ok := c.links[sourceKey]; ok {
		c.mu.Unlock()
		return
	}
	c.priming[sourceKey] = true
	gen := c.generation
	queue := c.queue
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.priming, sourceKey)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	item, queueIndex := c.resolveNext(ctx, sourceKey, queue)
	if item == nil {
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		// Cancelled by a manual action while resolving.
		c.mu.Unlock()
		return
	}
	if _, ok := c.links[sourceKey]; !ok {
		c.links[sourceKey] = &Link{SourceKey: sourceKey, Item: item, queueIndex: queueIndex}
	}
	c.mu.Unlock()

	// A stale manual-resume offset from a previous partial view must not
	// leak into the freshly queued item.
	c.cache.Remove(item.Key)

	zlog.Info().Msgf("autoplay: primed next item: source=%s next=%s title=%q",
		sourceKey, item.Key, item.Title)
}

// resolveNext asks the series collaborator first, then the queue.
func (c *Coordinator) resolveNext(ctx context.Context, sourceKey string, queue Queue) (*media.PlayableItem, int) {
	item, err := c.catalog.NextInSeries(ctx, sourceKey)
	if err != nil {
		zlog.Warn().Msgf("autoplay: next-in-series lookup failed: source=%s: %v", sourceKey, err)
	}
	if item != nil {
		return item, -1
	}

	if queue == nil {
		return nil, -1
	}
	item, index, err := queue.NextPlayable(ctx)
	if err != nil {
		zlog.Warn().Msgf("autoplay: queue lookup failed: source=%s: %v", sourceKey, err)
		return nil, -1
	}
	return item, index
}

// OnStopped arms the delayed switch for a stopped source item. Without a
// primed link this is a no-op.
func (c *Coordinator) OnStopped(sourceKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.links[sourceKey]; !ok {
		return
	}
	if t, ok := c.timers[sourceKey]; ok {
		t.Stop()
	}
	c.timers[sourceKey] = time.AfterFunc(c.cfg.SwitchDelay, func() {
		c.fire(sourceKey)
	})
	zlog.Debug().Msgf("autoplay: switch armed: source=%s delay=%v", sourceKey, c.cfg.SwitchDelay)
}

// fire consumes the link and starts the next item, unless the user beat
// the timer with a session of their own.
func (c *Coordinator) fire(sourceKey string) {
	c.mu.Lock()
	link, ok := c.links[sourceKey]
	delete(c.links, sourceKey)
	delete(c.timers, sourceKey)
	starter := c.starter
	queue := c.queue
	c.mu.Unlock()

	if !ok || starter == nil {
		return
	}
	if starter.HasActiveSession() {
		zlog.Debug().Msgf("autoplay: dropping switch, another session is active: source=%s", sourceKey)
		return
	}

	if link.queueIndex >= 0 && queue != nil {
		queue.Advance(link.queueIndex)
	}

	zlog.Info().Msgf("autoplay: starting next item: source=%s next=%s", sourceKey, link.Item.Key)
	if err := starter.StartNext(link.Item); err != nil {
		zlog.Error().Msgf("autoplay: failed to start next item: next=%s: %v", link.Item.Key, err)
	}
}

// Cancel discards all pending links and timers. Called on every manual
// playback action.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
	if len(c.links) > 0 {
		zlog.Debug().Msgf("autoplay: cancelled %d pending link(s)", len(c.links))
	}
	c.links = make(map[string]*Link)
}

// PendingLink returns the primed link for a source key, if any.
func (c *Coordinator) PendingLink(sourceKey string) (*Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.links[sourceKey]
	return link, ok
}
