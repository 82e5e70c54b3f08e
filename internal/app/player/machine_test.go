package player

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// fakeEngine is an in-memory Engine for state machine tests.
type fakeEngine struct {
	mu sync.Mutex

	stateAfterLoad EngineState
	state          EngineState
	loaded         []string
	seeks          []time.Duration
	seekErr        error
	position       time.Duration
	duration       time.Duration
	volume         int
	muted          bool
	fullscreen     bool

	events    chan EngineEvent
	closeOnce sync.Once
}

func newFakeEngine(stateAfterLoad EngineState) *fakeEngine {
	return &fakeEngine{
		stateAfterLoad: stateAfterLoad,
		state:          EngineIdle,
		events:         make(chan EngineEvent, 4),
	}
}

func (e *fakeEngine) Load(ctx context.Context, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = append(e.loaded, url)
	e.state = e.stateAfterLoad
	return nil
}

func (e *fakeEngine) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EnginePlaying
	return nil
}

func (e *fakeEngine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EnginePaused
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineIdle
	return nil
}

func (e *fakeEngine) Seek(ctx context.Context, pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seekErr != nil {
		return e.seekErr
	}
	e.seeks = append(e.seeks, pos)
	e.position = pos
	return nil
}

func (e *fakeEngine) Position(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, nil
}

func (e *fakeEngine) Duration(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration, nil
}

func (e *fakeEngine) State(ctx context.Context) (EngineState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

func (e *fakeEngine) SetVolume(ctx context.Context, volume int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = volume
	return nil
}

func (e *fakeEngine) SetMute(ctx context.Context, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	return nil
}

func (e *fakeEngine) SetFullscreen(ctx context.Context, fullscreen bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullscreen = fullscreen
	return nil
}

func (e *fakeEngine) Events() <-chan EngineEvent { return e.events }

// Close closes the event channel the way the real adapter does, so the
// machine's pump goroutine terminates with the engine.
func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() { close(e.events) })
	return nil
}

func (e *fakeEngine) seekCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seeks)
}

func (e *fakeEngine) lastSeek() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seeks) == 0 {
		return -1
	}
	return e.seeks[len(e.seeks)-1]
}

func (e *fakeEngine) setPlayback(pos, dur time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = pos
	e.duration = dur
}

// fakeSink records forced timeline reports.
type fakeSink struct {
	mu    sync.Mutex
	snaps []media.TimelineSnapshot
}

func (s *fakeSink) ReportNow(snap media.TimelineSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *fakeSink) last() media.TimelineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[len(s.snaps)-1]
}

func testConfig() Config {
	return Config{
		StartCheckAttempts:  4,
		StartCheckInterval:  10 * time.Millisecond,
		ResumeRetryAttempts: 3,
		ResumeRetryDelay:    5 * time.Millisecond,
		ProbeTimeout:        time.Second,
	}
}

func streamServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForState(t *testing.T, m *Machine, want SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func TestMachine_StartAppliesResumeOffsetOnce(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(0, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	item := &media.PlayableItem{
		Key:          "item-1",
		Title:        "Pilot",
		Kind:         media.KindEpisode,
		StreamURL:    srv.URL,
		ResumeOffset: 10 * time.Minute,
	}
	require.NoError(t, m.Play(item))
	waitForState(t, m, StatePlaying)

	require.Eventually(t, func() bool {
		return engine.seekCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10*time.Minute, engine.lastSeek())

	// Pause/resume cycles must not re-apply the offset.
	require.NoError(t, m.Pause())
	require.NoError(t, m.Resume())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, engine.seekCount())
}

func TestMachine_StartFailsAfterAttempts(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	// Engine never leaves the loading state.
	engine := newFakeEngine(EngineLoading)

	cfg := testConfig()
	cfg.StartCheckAttempts = 2
	m := New(cfg, engine)
	defer m.Close()

	sink := &fakeSink{}
	m.SetTimelineSink(sink)

	item := &media.PlayableItem{Key: "item-1", StreamURL: srv.URL}
	require.NoError(t, m.Play(item))
	waitForState(t, m, StateFailed)

	// An unconfirmed session never produces a timeline report.
	assert.Equal(t, 0, sink.count())
}

func TestMachine_NoReachableStream(t *testing.T) {
	srv := streamServer(t, http.StatusInternalServerError)
	engine := newFakeEngine(EnginePlaying)

	m := New(testConfig(), engine)
	defer m.Close()

	err := m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL})
	assert.ErrorIs(t, err, ErrNoStream)
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_FallbackStreamSelected(t *testing.T) {
	bad := streamServer(t, http.StatusNotFound)
	good := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)

	m := New(testConfig(), engine)
	defer m.Close()

	require.NoError(t, m.Play(&media.PlayableItem{
		Key:         "item-1",
		StreamURL:   bad.URL,
		FallbackURL: good.URL,
	}))
	waitForState(t, m, StatePlaying)

	engine.mu.Lock()
	loaded := engine.loaded[len(engine.loaded)-1]
	engine.mu.Unlock()
	assert.Equal(t, good.URL, loaded)
}

func TestMachine_PauseResumeValidation(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)

	m := New(testConfig(), engine)
	defer m.Close()

	assert.ErrorIs(t, m.Pause(), ErrNoSession)
	assert.ErrorIs(t, m.Resume(), ErrNoSession)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	assert.ErrorIs(t, m.Resume(), ErrNotPaused)
	require.NoError(t, m.Pause())
	assert.ErrorIs(t, m.Pause(), ErrNotPlaying)
	require.NoError(t, m.Resume())
}

func TestMachine_SeekClampsAndForcesReport(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(30*time.Minute, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	sink := &fakeSink{}
	m.SetTimelineSink(sink)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)
	before := sink.count()

	require.NoError(t, m.Seek(2*time.Hour))
	assert.Equal(t, time.Hour, engine.lastSeek(), "seek past the end clamps to duration")

	require.Greater(t, sink.count(), before, "seek must force an immediate report")
	snap := sink.last()
	assert.Equal(t, "item-1", snap.ItemKey)
	assert.Equal(t, time.Hour, snap.Position)
	assert.Equal(t, media.StatePlaying, snap.State)

	require.NoError(t, m.Seek(-5*time.Minute))
	assert.Equal(t, time.Duration(0), engine.lastSeek(), "negative seek clamps to zero")
}

func TestMachine_StopEmitsFinalReport(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(30*time.Minute, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	sink := &fakeSink{}
	m.SetTimelineSink(sink)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateIdle, m.State())

	require.NotZero(t, sink.count())
	snap := sink.last()
	assert.Equal(t, media.StateStopped, snap.State)
	assert.Equal(t, 30*time.Minute, snap.Position)
	assert.Equal(t, time.Hour, snap.Duration)

	assert.ErrorIs(t, m.Stop(), ErrNoSession)
}

func TestMachine_EngineEndSnapsToDuration(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(59*time.Minute, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	sink := &fakeSink{}
	m.SetTimelineSink(sink)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	engine.events <- EngineEvent{Type: EngineEventEnded, Reason: "eof"}
	waitForState(t, m, StateIdle)

	require.Eventually(t, func() bool {
		return sink.count() > 0
	}, 2*time.Second, 5*time.Millisecond)
	snap := sink.last()
	assert.Equal(t, media.StateStopped, snap.State)
	assert.Equal(t, time.Hour, snap.Position, "end of media snaps position to duration")
}

func TestMachine_ManualHookOnlyOnUserPlay(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)

	m := New(testConfig(), engine)
	defer m.Close()

	var mu sync.Mutex
	hooks := 0
	m.SetManualHook(func() {
		mu.Lock()
		hooks++
		mu.Unlock()
	})

	item := &media.PlayableItem{Key: "item-1", StreamURL: srv.URL}
	require.NoError(t, m.Play(item))
	waitForState(t, m, StatePlaying)

	require.NoError(t, m.StartNext(&media.PlayableItem{Key: "item-2", StreamURL: srv.URL}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hooks, "autoplay starts must not fire the manual hook")
}

func TestMachine_VolumeAndMute(t *testing.T) {
	engine := newFakeEngine(EnginePlaying)
	m := New(testConfig(), engine)
	defer m.Close()

	require.NoError(t, m.SetVolume(150))
	assert.Equal(t, 100, m.ControlState().Volume)

	require.NoError(t, m.SetVolume(-10))
	assert.Equal(t, 0, m.ControlState().Volume)

	require.NoError(t, m.ToggleMute())
	assert.True(t, m.ControlState().Muted)

	// Raising the volume from muted unmutes.
	require.NoError(t, m.SetVolume(40))
	cs := m.ControlState()
	assert.Equal(t, 40, cs.Volume)
	assert.False(t, cs.Muted)
}

func TestMachine_ControlState(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(time.Minute, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	cs := m.ControlState()
	assert.Equal(t, StateIdle, cs.State)
	assert.False(t, cs.CanPause)
	assert.False(t, cs.CanStop)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", Title: "Pilot", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	cs = m.ControlState()
	assert.Equal(t, StatePlaying, cs.State)
	assert.Equal(t, "Pilot", cs.Title)
	assert.True(t, cs.CanPause)
	assert.True(t, cs.CanStop)
	assert.True(t, cs.CanSeek)
	assert.False(t, cs.CanPlay)
	assert.Equal(t, time.Hour, cs.Duration)
}

func TestMachine_ReplacementFinalizesPrevious(t *testing.T) {
	srv := streamServer(t, http.StatusOK)
	engine := newFakeEngine(EnginePlaying)
	engine.setPlayback(20*time.Minute, time.Hour)

	m := New(testConfig(), engine)
	defer m.Close()

	sink := &fakeSink{}
	m.SetTimelineSink(sink)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-1", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	require.NoError(t, m.Play(&media.PlayableItem{Key: "item-2", StreamURL: srv.URL}))
	waitForState(t, m, StatePlaying)

	// The first session's final position must have been reported before
	// the replacement started.
	found := false
	sink.mu.Lock()
	for _, snap := range sink.snaps {
		if snap.ItemKey == "item-1" && snap.State == media.StateStopped {
			found = true
		}
	}
	sink.mu.Unlock()
	assert.True(t, found, "replaced session must emit a final stopped report")
}
