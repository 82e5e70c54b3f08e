package player

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// Errors
var (
	ErrNoSession   = errors.New("no active session")
	ErrNotPlaying  = errors.New("not playing")
	ErrNotPaused   = errors.New("not paused")
	ErrNotSeekable = errors.New("session is not seekable")
	ErrNoStream    = errors.New("no reachable stream URL")
	ErrEngineStart = errors.New("engine failed to start")
)

// Config holds state machine tuning.
type Config struct {
	StartCheckAttempts  int           // Start confirmation attempts before giving up
	StartCheckInterval  time.Duration // Base delay between start confirmation checks
	ResumeRetryAttempts int           // Seek retries while the engine is not yet seekable
	ResumeRetryDelay    time.Duration // Delay between resume seek retries
	ProbeTimeout        time.Duration // Stream reachability probe timeout
}

// TimelineSink receives forced timeline reports from the state machine:
// the final report of a torn-down session and the post-seek report. Both
// bypass the reporter's hysteresis.
type TimelineSink interface {
	ReportNow(snap media.TimelineSnapshot)
}

// Machine owns the active playback session and drives the engine adapter.
type Machine struct {
	// opMu serializes session-replacing operations (play, stop, engine
	// end). mu guards the fields below.
	opMu sync.Mutex
	mu   sync.Mutex

	cfg    Config
	engine Engine
	probe  *http.Client

	session *Session
	volume  int
	muted   bool

	sink       TimelineSink
	manualHook func()
	listeners  []func()

	// startCancel cancels the pending start-confirmation chain.
	startCancel func()

	closed chan struct{}
}

// New creates a new playback state machine and starts draining engine
// events.
func New(cfg Config, engine Engine) *Machine {
	m := &Machine{
		cfg:    cfg,
		engine: engine,
		probe:  &http.Client{Timeout: cfg.ProbeTimeout},
		volume: 80,
		closed: make(chan struct{}),
	}
	go m.pumpEngineEvents()
	return m
}

// SetTimelineSink sets the sink receiving forced timeline reports.
func (m *Machine) SetTimelineSink(sink TimelineSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetManualHook sets the hook invoked on every user-driven play. The
// autoplay coordinator uses it to cancel pending links.
func (m *Machine) SetManualHook(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualHook = hook
}

// OnStateChange registers a callback fired after every session state
// transition.
func (m *Machine) OnStateChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Play starts playback of the given item. This is the user-driven entry
// point: any pending autoplay link is cancelled first.
func (m *Machine) Play(item *media.PlayableItem) error {
	m.mu.Lock()
	hook := m.manualHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m.start(item)
}

// StartNext starts playback on behalf of the autoplay coordinator. It
// skips the manual hook so the freshly consumed link is not discarded.
func (m *Machine) StartNext(item *media.PlayableItem) error {
	return m.start(item)
}

// HasActiveSession reports whether a session is starting, playing or
// paused.
func (m *Machine) HasActiveSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Machine) activeLocked() bool {
	if m.session == nil {
		return false
	}
	switch m.session.state {
	case StateStarting, StatePlaying, StatePaused:
		return true
	default:
		return false
	}
}

// start replaces any active session with a new one for item.
func (m *Machine) start(item *media.PlayableItem) error {
	if item == nil {
		return errors.New("item is required")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Snapshot and finalize the previous session first so its last
	// position is never lost.
	m.teardown(media.StateStopped, true)

	url, err := m.chooseStream(item)
	if err != nil {
		return err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		Item:      *item,
		StreamURL: url,
		state:     StateStarting,
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	m.notify()

	zlog.Info().Msgf("player: starting item=%s title=%q url=%s resume=%v",
		item.Key, item.Title, url, item.ResumeOffset)

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.Load(ctx, url); err != nil {
		m.failSession(sess, errors.Wrap(err, "engine load failed"))
		return errors.Mark(err, ErrEngineStart)
	}

	// Apply sticky audio settings before the engine starts rendering.
	m.applyAudioSettings()

	m.scheduleStartCheck(sess, 1)
	return nil
}

// chooseStream probes the item's stream URLs and returns the first
// reachable one, preferring the primary.
func (m *Machine) chooseStream(item *media.PlayableItem) (string, error) {
	if m.probeURL(item.StreamURL) {
		return item.StreamURL, nil
	}
	zlog.Warn().Msgf("player: primary stream probe failed: item=%s", item.Key)
	if item.FallbackURL != "" && m.probeURL(item.FallbackURL) {
		return item.FallbackURL, nil
	}
	return "", errors.Wrapf(ErrNoStream, "item %s", item.Key)
}

// probeURL performs a lightweight reachability check.
func (m *Machine) probeURL(url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.probe.Do(req)
	if err != nil {
		zlog.Debug().Msgf("player: stream probe error: %v", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// scheduleStartCheck arms the next start-confirmation check. The delay
// grows linearly with the attempt number.
func (m *Machine) scheduleStartCheck(sess *Session, attempt int) {
	delay := m.cfg.StartCheckInterval * time.Duration(attempt)
	timer := time.AfterFunc(delay, func() {
		m.checkStart(sess, attempt)
	})

	m.mu.Lock()
	m.startCancel = func() { timer.Stop() }
	m.mu.Unlock()
}

// checkStart polls the engine once for start confirmation.
func (m *Machine) checkStart(sess *Session, attempt int) {
	m.mu.Lock()
	if m.session != sess || sess.state != StateStarting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := m.engineCtx()
	state, err := m.engine.State(ctx)
	cancel()
	if err != nil {
		zlog.Debug().Msgf("player: start check %d/%d: state query failed: %v",
			attempt, m.cfg.StartCheckAttempts, err)
		state = EngineLoading
	}

	switch state {
	case EnginePlaying, EnginePaused:
		m.confirmStart(sess, state)
	case EngineFailed, EngineEnded:
		m.failSession(sess, errors.Wrapf(ErrEngineStart, "engine state %s after launch", state))
	default:
		if attempt >= m.cfg.StartCheckAttempts {
			m.failSession(sess, errors.Wrapf(ErrEngineStart,
				"no playable state after %d checks", attempt))
			return
		}
		m.scheduleStartCheck(sess, attempt+1)
	}
}

// confirmStart transitions Starting to Playing/Paused and applies the
// resume offset exactly once.
func (m *Machine) confirmStart(sess *Session, engineState EngineState) {
	m.mu.Lock()
	if m.session != sess || sess.state != StateStarting {
		m.mu.Unlock()
		return
	}
	if engineState == EnginePaused {
		sess.state = StatePaused
	} else {
		sess.state = StatePlaying
	}

	applyResume := sess.Item.ResumeOffset > 0 && !sess.resumeApplied
	if applyResume {
		sess.resumeApplied = true
	}
	m.mu.Unlock()

	zlog.Info().Msgf("player: start confirmed: item=%s state=%s", sess.Item.Key, engineState)

	if applyResume {
		go m.applyResumeOffset(sess)
	}
	m.notify()
}

// applyResumeOffset seeks to the item's resume offset, retrying briefly
// because engines often accept seeks only after buffering completes.
func (m *Machine) applyResumeOffset(sess *Session) {
	offset := sess.Item.ResumeOffset
	for attempt := 1; attempt <= m.cfg.ResumeRetryAttempts; attempt++ {
		m.mu.Lock()
		current := m.session == sess && m.activeLocked()
		m.mu.Unlock()
		if !current {
			return
		}

		ctx, cancel := m.engineCtx()
		err := m.engine.Seek(ctx, offset)
		cancel()
		if err == nil {
			zlog.Info().Msgf("player: resume offset applied: item=%s offset=%v", sess.Item.Key, offset)
			return
		}
		zlog.Debug().Msgf("player: resume seek attempt %d/%d failed: %v",
			attempt, m.cfg.ResumeRetryAttempts, err)
		time.Sleep(m.cfg.ResumeRetryDelay)
	}
	zlog.Warn().Msgf("player: giving up on resume offset: item=%s offset=%v", sess.Item.Key, offset)
}

// failSession marks the session failed and tears the engine down. This is
// terminal for the item: no further fallback is attempted.
func (m *Machine) failSession(sess *Session, err error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	sess.state = StateFailed
	m.cancelStartCheckLocked()
	m.mu.Unlock()

	ctx, cancel := m.engineCtx()
	_ = m.engine.Stop(ctx)
	cancel()

	zlog.Error().Msgf("player: session failed: item=%s: %v", sess.Item.Key, err)
	m.notify()
}

// Pause pauses the current playback.
func (m *Machine) Pause() error {
	m.mu.Lock()
	sess := m.session
	if sess == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if sess.state != StatePlaying {
		m.mu.Unlock()
		return ErrNotPlaying
	}
	m.mu.Unlock()

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.Pause(ctx); err != nil {
		return errors.Wrap(err, "engine pause failed")
	}

	m.mu.Lock()
	sess.state = StatePaused
	m.mu.Unlock()
	m.notify()

	// State transitions report immediately, bypassing hysteresis.
	m.forceReport(sess, media.StatePaused)
	return nil
}

// Resume resumes paused playback.
func (m *Machine) Resume() error {
	m.mu.Lock()
	sess := m.session
	if sess == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if sess.state != StatePaused {
		m.mu.Unlock()
		return ErrNotPaused
	}
	m.mu.Unlock()

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.Play(ctx); err != nil {
		return errors.Wrap(err, "engine resume failed")
	}

	m.mu.Lock()
	sess.state = StatePlaying
	m.mu.Unlock()
	m.notify()

	m.forceReport(sess, media.StatePlaying)
	return nil
}

// Seek seeks to an absolute position, clamped to [0, duration], and
// forces an immediate timeline report at the new position.
func (m *Machine) Seek(to time.Duration) error {
	m.mu.Lock()
	sess := m.session
	if sess == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if sess.state != StatePlaying && sess.state != StatePaused {
		m.mu.Unlock()
		return ErrNotSeekable
	}
	m.mu.Unlock()

	duration := m.sessionDuration(sess)
	if to < 0 {
		to = 0
	}
	if duration > 0 && to > duration {
		to = duration
	}

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.Seek(ctx, to); err != nil {
		return errors.Wrap(err, "engine seek failed")
	}

	m.mu.Lock()
	sess.resumeApplied = true
	state := sess.state
	m.mu.Unlock()

	tlState := media.StatePlaying
	if state == StatePaused {
		tlState = media.StatePaused
	}

	// Report synchronously so the remote service never points at the
	// stale pre-seek position.
	m.report(media.TimelineSnapshot{
		ItemKey:    sess.Item.Key,
		State:      tlState,
		Position:   to,
		Duration:   duration,
		ObservedAt: time.Now(),
	})
	m.notify()
	return nil
}

// SeekBy seeks relative to the current position.
func (m *Machine) SeekBy(delta time.Duration) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	ctx, cancel := m.engineCtx()
	pos, err := m.engine.Position(ctx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "engine position query failed")
	}
	return m.Seek(pos + delta)
}

// Stop stops playback and finalizes the session.
func (m *Machine) Stop() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	hasSession := m.session != nil
	m.mu.Unlock()
	if !hasSession {
		return ErrNoSession
	}

	m.teardown(media.StateStopped, true)
	return nil
}

// teardown finalizes the active session: it snapshots the last position,
// cancels pending checks, stops the engine and, when emitFinal is set,
// emits the final stopped timeline report. Callers hold opMu.
func (m *Machine) teardown(finalState media.TimelineState, emitFinal bool) {
	m.mu.Lock()
	sess := m.session
	if sess == nil || (sess.state != StateStarting && sess.state != StatePlaying && sess.state != StatePaused) {
		m.session = nil
		m.mu.Unlock()
		return
	}
	confirmed := sess.state == StatePlaying || sess.state == StatePaused
	m.cancelStartCheckLocked()
	sess.state = StateStopped
	m.session = nil
	m.mu.Unlock()

	var snap media.TimelineSnapshot
	if confirmed {
		pos, dur := m.queryTimeline(sess)
		snap = media.TimelineSnapshot{
			ItemKey:    sess.Item.Key,
			State:      finalState,
			Position:   pos,
			Duration:   dur,
			ObservedAt: time.Now(),
		}
	}

	ctx, cancel := m.engineCtx()
	_ = m.engine.Stop(ctx)
	cancel()

	// Only sessions that actually played have a position worth keeping.
	if emitFinal && confirmed {
		m.report(snap)
	}
	m.notify()
}

// pumpEngineEvents drains asynchronous engine notifications and marshals
// them into state machine calls.
func (m *Machine) pumpEngineEvents() {
	for ev := range m.engine.Events() {
		select {
		case <-m.closed:
			return
		default:
		}
		switch ev.Type {
		case EngineEventEnded:
			zlog.Debug().Msgf("player: engine reported end of media: %s", ev.Reason)
			m.finishFromEngine(true)
		case EngineEventError:
			zlog.Warn().Msgf("player: engine runtime error: %s", ev.Reason)
			m.finishFromEngine(false)
		}
	}
}

// finishFromEngine handles an asynchronous end/error notification. Both
// are treated as a stop with a best-effort final report; at end of media
// the position snaps to the full duration.
func (m *Machine) finishFromEngine(endOfMedia bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sess := m.session
	if sess == nil || (sess.state != StatePlaying && sess.state != StatePaused && sess.state != StateStarting) {
		m.mu.Unlock()
		return
	}
	confirmed := sess.state != StateStarting
	m.cancelStartCheckLocked()
	sess.state = StateStopped
	m.session = nil
	m.mu.Unlock()

	if confirmed {
		pos, dur := m.queryTimeline(sess)
		if endOfMedia && dur > 0 {
			pos = dur
		}
		m.report(media.TimelineSnapshot{
			ItemKey:    sess.Item.Key,
			State:      media.StateStopped,
			Position:   pos,
			Duration:   dur,
			ObservedAt: time.Now(),
		})
	}

	ctx, cancel := m.engineCtx()
	_ = m.engine.Stop(ctx)
	cancel()
	m.notify()
}

// Snapshot returns a live timeline snapshot of the active session. The
// second return value is false while no session is playing or paused.
func (m *Machine) Snapshot() (media.TimelineSnapshot, bool) {
	m.mu.Lock()
	sess := m.session
	var state media.TimelineState
	if sess != nil {
		switch sess.state {
		case StatePlaying:
			state = media.StatePlaying
		case StatePaused:
			state = media.StatePaused
		}
	}
	m.mu.Unlock()

	if sess == nil || state == "" {
		return media.TimelineSnapshot{}, false
	}

	pos, dur := m.queryTimeline(sess)
	return media.TimelineSnapshot{
		ItemKey:    sess.Item.Key,
		State:      state,
		Position:   pos,
		Duration:   dur,
		ObservedAt: time.Now(),
	}, true
}

// queryTimeline reads position and duration from the engine, caching the
// duration on the session as the currently authoritative value.
func (m *Machine) queryTimeline(sess *Session) (time.Duration, time.Duration) {
	ctx, cancel := m.engineCtx()
	defer cancel()

	pos, err := m.engine.Position(ctx)
	if err != nil {
		pos = 0
	}
	dur, err := m.engine.Duration(ctx)
	if err != nil {
		dur = 0
	}

	m.mu.Lock()
	if dur > 0 {
		sess.duration = dur
	} else {
		dur = sess.duration
	}
	m.mu.Unlock()
	return pos, dur
}

func (m *Machine) sessionDuration(sess *Session) time.Duration {
	_, dur := m.queryTimeline(sess)
	return dur
}

// State returns the current session state.
func (m *Machine) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.state
}

// ControlState returns the transport snapshot for the UI.
func (m *Machine) ControlState() ControlState {
	m.mu.Lock()
	sess := m.session
	volume, muted := m.volume, m.muted
	m.mu.Unlock()

	cs := ControlState{State: StateIdle, Volume: volume, Muted: muted}
	if sess == nil {
		return cs
	}

	m.mu.Lock()
	state := sess.state
	fullscreen := sess.fullscreen
	m.mu.Unlock()

	cs.State = state
	cs.Title = sess.Item.Title
	cs.Fullscreen = fullscreen
	cs.CanPlay = state == StatePaused
	cs.CanPause = state == StatePlaying
	cs.CanStop = state == StateStarting || state == StatePlaying || state == StatePaused
	cs.CanSeek = state == StatePlaying || state == StatePaused
	if cs.CanSeek {
		cs.Position, cs.Duration = m.queryTimeline(sess)
	}
	return cs
}

// SetFullscreen toggles the engine's fullscreen mode.
func (m *Machine) SetFullscreen(fullscreen bool) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.SetFullscreen(ctx, fullscreen); err != nil {
		return errors.Wrap(err, "engine fullscreen failed")
	}

	m.mu.Lock()
	sess.fullscreen = fullscreen
	m.mu.Unlock()
	m.notify()
	return nil
}

// SetVolume sets the playback volume, clamped to [0, 100]. Raising the
// volume from muted unmutes.
func (m *Machine) SetVolume(volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}

	m.mu.Lock()
	m.volume = volume
	if volume > 0 && m.muted {
		m.muted = false
	}
	muted := m.muted
	m.mu.Unlock()

	m.applyAudioSettings()
	m.notify()
	zlog.Debug().Msgf("player: volume=%d muted=%v", volume, muted)
	return nil
}

// AdjustVolume changes the volume by delta.
func (m *Machine) AdjustVolume(delta int) error {
	m.mu.Lock()
	volume := m.volume
	m.mu.Unlock()
	return m.SetVolume(volume + delta)
}

// ToggleMute flips the mute flag.
func (m *Machine) ToggleMute() error {
	m.mu.Lock()
	m.muted = !m.muted
	m.mu.Unlock()

	m.applyAudioSettings()
	m.notify()
	return nil
}

// applyAudioSettings pushes the sticky volume/mute values to the engine.
func (m *Machine) applyAudioSettings() {
	m.mu.Lock()
	volume, muted := m.volume, m.muted
	m.mu.Unlock()

	ctx, cancel := m.engineCtx()
	defer cancel()
	if err := m.engine.SetVolume(ctx, volume); err != nil {
		zlog.Debug().Msgf("player: set volume failed: %v", err)
	}
	if err := m.engine.SetMute(ctx, muted); err != nil {
		zlog.Debug().Msgf("player: set mute failed: %v", err)
	}
}

// Close stops playback without emitting a report (callers finalize via
// Stop first) and releases the event pump.
func (m *Machine) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	close(m.closed)
	m.teardown(media.StateStopped, false)
}

func (m *Machine) cancelStartCheckLocked() {
	if m.startCancel != nil {
		m.startCancel()
		m.startCancel = nil
	}
}

// forceReport emits an immediate report at the engine's current position.
func (m *Machine) forceReport(sess *Session, state media.TimelineState) {
	pos, dur := m.queryTimeline(sess)
	m.report(media.TimelineSnapshot{
		ItemKey:    sess.Item.Key,
		State:      state,
		Position:   pos,
		Duration:   dur,
		ObservedAt: time.Now(),
	})
}

func (m *Machine) report(snap media.TimelineSnapshot) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.ReportNow(snap)
	}
}

// notify fires registered state change callbacks.
func (m *Machine) notify() {
	m.mu.Lock()
	listeners := make([]func(), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (m *Machine) engineCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
