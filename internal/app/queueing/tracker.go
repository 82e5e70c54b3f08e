// Package queueing tracks the active play queue session: an ordered list
// of item refs plus a cursor. The tracker mirrors server order and never
// reorders locally.
package queueing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// Source is the remote queue surface the tracker consumes.
type Source interface {
	ResolvePlayable(ctx context.Context, ref media.ItemRef) (*media.PlayableItem, error)
	NextInQueue(ctx context.Context, queueID string, afterIndex int) (*media.PlayableItem, int, error)
	RefreshQueue(ctx context.Context, queueID string) ([]media.ItemRef, error)
}

// Session is one queue playback session. A new queue replaces the session
// wholesale; there is no merging.
type Session struct {
	ID      string
	QueueID string
	Kind    media.Kind
	items   []media.ItemRef
	index   int
}

// Items returns a copy of the session's ordered refs.
func (s *Session) Items() []media.ItemRef {
	return append([]media.ItemRef(nil), s.items...)
}

// Index returns the cursor position.
func (s *Session) Index() int {
	return s.index
}

// Tracker owns the active queue session.
type Tracker struct {
	mu sync.Mutex

	source         Source
	resolveRetries int
	session        *Session
}

// New creates a new queue session tracker. resolveRetries bounds how many
// consecutive unresolvable refs one lookup skips over.
func New(source Source, resolveRetries int) *Tracker {
	if resolveRetries <= 0 {
		resolveRetries = 3
	}
	return &Tracker{source: source, resolveRetries: resolveRetries}
}

// StartSession replaces the active session with a new one. startIndex is
// the queue position playback begins at; the cursor sits just before it
// until that item actually starts. Refs without a key are dropped, order
// is preserved.
func (t *Tracker) StartSession(queueID string, kind media.Kind, items []media.ItemRef, startIndex int) *Session {
	items = lo.Filter(items, func(ref media.ItemRef, _ int) bool {
		return ref.Key != ""
	})
	if startIndex < 0 {
		startIndex = 0
	}

	sess := &Session{
		ID:      uuid.New().String(),
		QueueID: queueID,
		Kind:    kind,
		items:   items,
		index:   startIndex - 1,
	}

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	zlog.Info().Msgf("queueing: session started: queue=%s kind=%s items=%d index=%d",
		queueID, kind, len(items), startIndex)
	return sess
}

// EndSession drops the active session.
func (t *Tracker) EndSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
}

// Current returns the active session, if any.
func (t *Tracker) Current() (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session, t.session != nil
}

// NextPlayable peeks at the next playable item after the cursor without
// moving it. Unresolvable refs are skipped up to the retry bound; when the
// local refs run out the queue is refreshed from the server, and for
// lazily grown queues the server is asked directly for a successor.
func (t *Tracker) NextPlayable(ctx context.Context) (*media.PlayableItem, int, error) {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return nil, 0, nil
	}

	item, index, err := t.scanLocal(ctx, sess, sess.index+1)
	if err != nil || item != nil {
		return item, index, err
	}

	// Local refs exhausted. Re-fetch server order; the refresh replaces
	// the slice wholesale.
	refreshed, err := t.refresh(ctx, sess)
	if err != nil {
		return nil, 0, err
	}
	if refreshed {
		item, index, err = t.scanLocal(ctx, sess, sess.index+1)
		if err != nil || item != nil {
			return item, index, err
		}
	}

	// Some queues only materialize on demand.
	item, index, err = t.source.NextInQueue(ctx, sess.QueueID, sess.index)
	if err != nil {
		return nil, 0, err
	}
	if item == nil {
		zlog.Debug().Msgf("queueing: queue exhausted: queue=%s", sess.QueueID)
		return nil, 0, nil
	}
	return item, index, nil
}

// Advance commits the cursor to index after the item there actually
// started playing.
func (t *Tracker) Advance(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil || index < 0 {
		return
	}
	t.session.index = index
	zlog.Debug().Msgf("queueing: cursor advanced: queue=%s index=%d", t.session.QueueID, index)
}

// scanLocal resolves refs from position `from` onward, skipping at most
// resolveRetries unresolvable ones.
func (t *Tracker) scanLocal(ctx context.Context, sess *Session, from int) (*media.PlayableItem, int, error) {
	t.mu.Lock()
	refs := sess.Items()
	t.mu.Unlock()

	skipped := 0
	for i := from; i < len(refs); i++ {
		item, err := t.source.ResolvePlayable(ctx, refs[i])
		if err != nil {
			return nil, 0, err
		}
		if item != nil {
			return item, i, nil
		}

		zlog.Warn().Msgf("queueing: skipping unresolvable item: queue=%s key=%s index=%d",
			sess.QueueID, refs[i].Key, i)
		skipped++
		if skipped >= t.resolveRetries {
			return nil, 0, nil
		}
	}
	return nil, 0, nil
}

// refresh re-fetches the queue contents. Returns true when the session's
// refs were replaced.
func (t *Tracker) refresh(ctx context.Context, sess *Session) (bool, error) {
	refs, err := t.source.RefreshQueue(ctx, sess.QueueID)
	if err != nil {
		return false, err
	}
	if refs == nil {
		return false, nil
	}

	refs = lo.Filter(refs, func(ref media.ItemRef, _ int) bool {
		return ref.Key != ""
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != sess {
		// Superseded while the refresh was in flight.
		return false, nil
	}
	sess.items = refs
	zlog.Debug().Msgf("queueing: queue refreshed: queue=%s items=%d", sess.QueueID, len(refs))
	return true, nil
}
