package queueing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// fakeSource serves items from an in-memory catalog and queue.
type fakeSource struct {
	mu           sync.Mutex
	playable     map[string]*media.PlayableItem
	refreshRefs  []media.ItemRef
	lazyItem     *media.PlayableItem
	lazyIndex    int
	resolveCalls int
}

func (f *fakeSource) ResolvePlayable(ctx context.Context, ref media.ItemRef) (*media.PlayableItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.playable[ref.Key], nil
}

func (f *fakeSource) NextInQueue(ctx context.Context, queueID string, afterIndex int) (*media.PlayableItem, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lazyItem, f.lazyIndex, nil
}

func (f *fakeSource) RefreshQueue(ctx context.Context, queueID string) ([]media.ItemRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshRefs, nil
}

func refs(keys ...string) []media.ItemRef {
	out := make([]media.ItemRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, media.ItemRef{Key: k, Kind: media.KindEpisode})
	}
	return out
}

func playables(keys ...string) map[string]*media.PlayableItem {
	out := make(map[string]*media.PlayableItem, len(keys))
	for _, k := range keys {
		out[k] = &media.PlayableItem{Key: k, Kind: media.KindEpisode, StreamURL: "http://s/" + k}
	}
	return out
}

func TestTracker_NextPlayableFromStart(t *testing.T) {
	source := &fakeSource{playable: playables("a", "b")}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a", "b"), 0)

	item, index, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "a", item.Key)
	assert.Equal(t, 0, index)

	// The cursor only moves on commit.
	item, _, err = tr.NextPlayable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", item.Key, "peeking must not move the cursor")

	tr.Advance(index)
	item, index, err = tr.NextPlayable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "b", item.Key)
	assert.Equal(t, 1, index)
}

func TestTracker_SkipsUnresolvableRefs(t *testing.T) {
	// "a" and "b" are gone from the catalog, "c" still resolves.
	source := &fakeSource{playable: playables("c")}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a", "b", "c"), 0)

	item, index, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "c", item.Key)
	assert.Equal(t, 2, index)
}

func TestTracker_SkipBoundStopsScan(t *testing.T) {
	source := &fakeSource{playable: playables("d")}
	tr := New(source, 2)

	// Three dead refs before the playable one, bound is two.
	tr.StartSession("q-1", media.KindEpisode, refs("a", "b", "c", "d"), 0)

	item, _, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item, "scan gives up after the retry bound")
}

func TestTracker_RefreshOnExhaustion(t *testing.T) {
	source := &fakeSource{playable: playables("a", "b")}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a"), 0)
	tr.Advance(0)

	// The server has since appended to the queue.
	source.mu.Lock()
	source.refreshRefs = refs("a", "b")
	source.mu.Unlock()

	item, index, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "b", item.Key)
	assert.Equal(t, 1, index)

	sess, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, refs("a", "b"), sess.Items(), "refresh replaces the refs wholesale")
}

func TestTracker_LazyQueueFallback(t *testing.T) {
	source := &fakeSource{
		playable:  playables("a"),
		lazyItem:  &media.PlayableItem{Key: "lazy", StreamURL: "http://s/lazy"},
		lazyIndex: 1,
	}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a"), 0)
	tr.Advance(0)

	item, index, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "lazy", item.Key)
	assert.Equal(t, 1, index)
}

func TestTracker_ExhaustedQueue(t *testing.T) {
	source := &fakeSource{playable: playables("a")}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a"), 0)
	tr.Advance(0)

	item, _, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestTracker_NewSessionReplacesWholesale(t *testing.T) {
	source := &fakeSource{playable: playables("a", "x")}
	tr := New(source, 3)

	s1 := tr.StartSession("q-1", media.KindEpisode, refs("a"), 0)
	s2 := tr.StartSession("q-2", media.KindMovie, refs("x"), 0)

	assert.NotEqual(t, s1.ID, s2.ID)

	sess, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, "q-2", sess.QueueID)
	assert.Equal(t, media.KindMovie, sess.Kind)
	assert.Equal(t, refs("x"), sess.Items())
}

func TestTracker_DropsEmptyRefs(t *testing.T) {
	source := &fakeSource{playable: playables("a")}
	tr := New(source, 3)

	items := []media.ItemRef{{Key: "a", Kind: media.KindEpisode}, {Key: ""}, {Key: "b"}}
	sess := tr.StartSession("q-1", media.KindEpisode, items, 0)

	assert.Len(t, sess.Items(), 2)
}

func TestTracker_NoSession(t *testing.T) {
	tr := New(&fakeSource{}, 3)

	item, _, err := tr.NextPlayable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)

	tr.Advance(3) // no-op without a session

	_, ok := tr.Current()
	assert.False(t, ok)
}

func TestTracker_EndSession(t *testing.T) {
	source := &fakeSource{playable: playables("a")}
	tr := New(source, 3)

	tr.StartSession("q-1", media.KindEpisode, refs("a"), 0)
	tr.EndSession()

	_, ok := tr.Current()
	assert.False(t, ok)
}
