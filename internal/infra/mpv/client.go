// Package mpv drives an mpv process over its JSON IPC socket and adapts
// it to the player engine contract.
package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/watchlink/watchlink/internal/app/player"
)

// ErrClosed is returned for commands issued after the engine was closed.
var ErrClosed = errors.New("mpv engine closed")

// Options configures the mpv adapter. Decoded from the engine settings
// map in the config file.
type Options struct {
	SocketPath       string   `mapstructure:"socket_path" default:"/tmp/watchlink-mpv.sock"`
	Binary           string   `mapstructure:"binary" default:"mpv"`
	Spawn            bool     `mapstructure:"spawn" default:"true"`
	ExtraArgs        []string `mapstructure:"extra_args"`
	ConnectTimeoutMs int      `mapstructure:"connect_timeout_ms" default:"5000"`
}

// ParseOptions decodes the engine settings map into Options and applies
// defaults.
func ParseOptions(settings map[string]any) (Options, error) {
	var opts Options
	if err := defaults.Set(&opts); err != nil {
		return opts, errors.Wrap(err, "failed to apply mpv defaults")
	}
	if err := mapstructure.Decode(settings, &opts); err != nil {
		return opts, errors.Wrap(err, "failed to decode mpv settings")
	}
	return opts, nil
}

// request is one IPC command. mpv correlates the reply via request_id.
type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// message is any line mpv writes on the socket: a command reply or an
// asynchronous event.
type message struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	Reason    string          `json:"reason"`
	Name      string          `json:"name"`
}

// Engine is the mpv-backed implementation of player.Engine.
type Engine struct {
	mu sync.Mutex

	opts Options
	conn net.Conn
	cmd  *exec.Cmd

	nextID  int64
	pending map[int64]chan message

	state  player.EngineState
	paused bool

	events chan player.EngineEvent
	done   chan struct{}
	closed bool
}

// New spawns mpv (when configured to) and connects to its IPC socket.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		opts:    opts,
		pending: make(map[int64]chan message),
		state:   player.EngineIdle,
		events:  make(chan player.EngineEvent, 16),
		done:    make(chan struct{}),
	}

	if opts.Spawn {
		if err := e.spawn(); err != nil {
			return nil, err
		}
	}

	conn, err := e.connect()
	if err != nil {
		e.killProcess()
		return nil, err
	}
	e.conn = conn

	go e.readLoop()

	// The pause observer keeps the coarse state accurate even when the
	// user toggles pause inside mpv itself.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.command(ctx, nil, "observe_property", int64(1), "pause"); err != nil {
		e.Close()
		return nil, errors.Wrap(err, "failed to observe pause property")
	}

	zlog.Info().Msgf("mpv: connected: socket=%s spawned=%t", opts.SocketPath, opts.Spawn)
	return e, nil
}

func (e *Engine) spawn() error {
	// A stale socket from a previous run keeps mpv from binding.
	_ = os.Remove(e.opts.SocketPath)

	args := []string{
		"--idle=yes",
		"--no-terminal",
		"--force-window=no",
		"--input-ipc-server=" + e.opts.SocketPath,
	}
	args = append(args, e.opts.ExtraArgs...)

	cmd := exec.Command(e.opts.Binary, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", e.opts.Binary)
	}
	e.cmd = cmd
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// connect dials the IPC socket, retrying while mpv creates it.
func (e *Engine) connect() (net.Conn, error) {
	deadline := time.Now().Add(time.Duration(e.opts.ConnectTimeoutMs) * time.Millisecond)
	for {
		conn, err := net.Dial("unix", e.opts.SocketPath)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "failed to connect to mpv socket %s", e.opts.SocketPath)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// readLoop drains socket lines, routing replies to waiters and events to
// the event channel.
func (e *Engine) readLoop() {
	scanner := bufio.NewScanner(e.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			zlog.Warn().Msgf("mpv: dropping malformed IPC line: %v", err)
			continue
		}

		if msg.Event != "" {
			e.handleEvent(msg)
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[msg.RequestID]
		if ok {
			delete(e.pending, msg.RequestID)
		}
		e.mu.Unlock()
		if ok {
			ch <- msg
		}
	}

	e.mu.Lock()
	alreadyClosed := e.closed
	e.mu.Unlock()
	if !alreadyClosed {
		zlog.Warn().Msg("mpv: IPC connection lost")
		e.emit(player.EngineEvent{Type: player.EngineEventError, Reason: "ipc connection lost"})
	}
	close(e.done)
	// All emits happen on this goroutine, so closing here is safe. The
	// close lets range consumers of Events terminate with the engine.
	close(e.events)
}

func (e *Engine) handleEvent(msg message) {
	switch msg.Event {
	case "file-loaded", "playback-restart":
		e.mu.Lock()
		if e.paused {
			e.state = player.EnginePaused
		} else {
			e.state = player.EnginePlaying
		}
		e.mu.Unlock()

	case "property-change":
		if msg.Name != "pause" {
			return
		}
		var paused bool
		if err := json.Unmarshal(msg.Data, &paused); err != nil {
			return
		}
		e.mu.Lock()
		e.paused = paused
		if e.state == player.EnginePlaying || e.state == player.EnginePaused {
			if paused {
				e.state = player.EnginePaused
			} else {
				e.state = player.EnginePlaying
			}
		}
		e.mu.Unlock()

	case "end-file":
		e.mu.Lock()
		switch msg.Reason {
		case "eof":
			e.state = player.EngineEnded
		case "error":
			e.state = player.EngineFailed
		default:
			// stop, quit or replacement by the next loadfile.
			e.state = player.EngineIdle
		}
		e.mu.Unlock()

		switch msg.Reason {
		case "eof":
			e.emit(player.EngineEvent{Type: player.EngineEventEnded, Reason: "eof"})
		case "error":
			e.emit(player.EngineEvent{Type: player.EngineEventError, Reason: "playback error"})
		}
	}
}

// emit performs a non-blocking send so a slow consumer cannot stall the
// read loop.
func (e *Engine) emit(ev player.EngineEvent) {
	select {
	case e.events <- ev:
	default:
		zlog.Warn().Msgf("mpv: event channel full, dropping event: %d", ev.Type)
	}
}

// command sends one IPC command and waits for its reply. out, when non
// nil, receives the reply data.
func (e *Engine) command(ctx context.Context, out any, cmd ...any) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.nextID++
	id := e.nextID
	ch := make(chan message, 1)
	e.pending[id] = ch
	conn := e.conn
	e.mu.Unlock()

	raw, err := json.Marshal(request{Command: cmd, RequestID: id})
	if err != nil {
		return errors.Wrap(err, "failed to encode command")
	}
	raw = append(raw, '\n')

	if _, err := conn.Write(raw); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return errors.Wrap(err, "failed to write command")
	}

	select {
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	case msg := <-ch:
		if msg.Error != "success" {
			return errors.Newf("mpv command failed: %s", msg.Error)
		}
		if out != nil && len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, out); err != nil {
				return errors.Wrap(err, "failed to decode command reply")
			}
		}
		return nil
	}
}

// getFloat reads a numeric property. Returns 0 while the property is not
// available yet; queries are best effort per the engine contract.
func (e *Engine) getFloat(ctx context.Context, property string) (float64, error) {
	var v float64
	err := e.command(ctx, &v, "get_property", property)
	if err != nil && errors.Is(err, ctx.Err()) {
		return 0, err
	}
	if err != nil {
		return 0, nil
	}
	return v, nil
}

// Load replaces the current media with the given URL.
func (e *Engine) Load(ctx context.Context, url string) error {
	e.mu.Lock()
	e.state = player.EngineLoading
	e.paused = false
	e.mu.Unlock()

	if err := e.command(ctx, nil, "set_property", "pause", false); err != nil {
		return err
	}
	return e.command(ctx, nil, "loadfile", url, "replace")
}

// Play resumes playback.
func (e *Engine) Play(ctx context.Context) error {
	return e.command(ctx, nil, "set_property", "pause", false)
}

// Pause pauses playback.
func (e *Engine) Pause(ctx context.Context) error {
	return e.command(ctx, nil, "set_property", "pause", true)
}

// Stop stops playback and unloads the media.
func (e *Engine) Stop(ctx context.Context) error {
	return e.command(ctx, nil, "stop")
}

// Seek jumps to an absolute position.
func (e *Engine) Seek(ctx context.Context, pos time.Duration) error {
	return e.command(ctx, nil, "seek", pos.Seconds(), "absolute")
}

// Position returns the current playback position.
func (e *Engine) Position(ctx context.Context) (time.Duration, error) {
	secs, err := e.getFloat(ctx, "time-pos")
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Duration returns the media duration, 0 while unknown.
func (e *Engine) Duration(ctx context.Context) (time.Duration, error) {
	secs, err := e.getFloat(ctx, "duration")
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// State returns the coarse engine state tracked from IPC events.
func (e *Engine) State(ctx context.Context) (player.EngineState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return player.EngineIdle, ErrClosed
	}
	return e.state, nil
}

// SetVolume sets the output volume (0 to 100).
func (e *Engine) SetVolume(ctx context.Context, volume int) error {
	return e.command(ctx, nil, "set_property", "volume", float64(volume))
}

// SetMute sets the mute flag.
func (e *Engine) SetMute(ctx context.Context, muted bool) error {
	return e.command(ctx, nil, "set_property", "mute", muted)
}

// SetFullscreen sets the fullscreen flag.
func (e *Engine) SetFullscreen(ctx context.Context, fullscreen bool) error {
	return e.command(ctx, nil, "set_property", "fullscreen", fullscreen)
}

// Events returns the asynchronous engine event channel. The channel is
// closed once the engine shuts down.
func (e *Engine) Events() <-chan player.EngineEvent {
	return e.events
}

// Close quits mpv (when spawned) and tears down the IPC connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.mu.Unlock()

	if e.cmd != nil {
		quit(conn)
	}
	err := conn.Close()
	e.killProcess()
	return err
}

// quit asks mpv to exit cleanly. Best effort, the process is killed if it
// lingers.
func quit(conn net.Conn) {
	raw, err := json.Marshal(request{Command: []any{"quit"}})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write(append(raw, '\n'))
}

func (e *Engine) killProcess() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
}
