package player

import (
	"context"
	"time"
)

// EngineState represents the native engine's coarse playback state.
type EngineState int

const (
	EngineIdle    EngineState = iota // No media loaded
	EngineLoading                    // Media loading or buffering
	EnginePlaying                    // Media playing
	EnginePaused                     // Media paused
	EngineEnded                      // Media reached end of stream
	EngineFailed                     // Engine reported an error
)

// String returns the string representation of the engine state.
func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EngineLoading:
		return "loading"
	case EnginePlaying:
		return "playing"
	case EnginePaused:
		return "paused"
	case EngineEnded:
		return "ended"
	case EngineFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EngineEventType represents an asynchronous engine notification.
type EngineEventType int

const (
	EngineEventEnded EngineEventType = iota // Playback reached end of media
	EngineEventError                        // Engine failed mid-playback
)

// EngineEvent is an asynchronous notification from the native engine.
// Events are delivered on a channel and drained by the state machine so
// engine callbacks never mutate session state directly.
type EngineEvent struct {
	Type   EngineEventType
	Reason string
}

// Engine is the contract the native media engine adapter implements.
// Position, duration and state queries are best effort: adapters may
// return zero values while the engine is still buffering.
type Engine interface {
	Load(ctx context.Context, url string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	Position(ctx context.Context) (time.Duration, error)
	Duration(ctx context.Context) (time.Duration, error)
	State(ctx context.Context) (EngineState, error)
	SetVolume(ctx context.Context, volume int) error
	SetMute(ctx context.Context, muted bool) error
	SetFullscreen(ctx context.Context, fullscreen bool) error
	// Events delivers asynchronous notifications. The channel is closed
	// when the adapter shuts down.
	Events() <-chan EngineEvent
	Close() error
}
