// Package player provides the playback state machine that drives the
// native media engine.
package player

import (
	"time"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// SessionState represents the playback session state.
type SessionState int

const (
	StateIdle     SessionState = iota // No session
	StateStarting                     // Engine loading, start unconfirmed
	StatePlaying                      // Session playing
	StatePaused                       // Session paused
	StateStopped                      // Session stopped by user or end of media
	StateFailed                       // Engine never reached a playable state
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the currently loaded playback session. Exactly one exists at
// a time; it is created on play and destroyed on stop or replace.
type Session struct {
	ID            string
	Item          media.PlayableItem
	StreamURL     string // URL chosen after the reachability probe
	state         SessionState
	resumeApplied bool
	fullscreen    bool
	duration      time.Duration // Last authoritative duration from the engine
}

// ControlState is the transport snapshot exposed to the UI.
type ControlState struct {
	State      SessionState
	Title      string
	CanPlay    bool
	CanPause   bool
	CanStop    bool
	CanSeek    bool
	Position   time.Duration
	Duration   time.Duration
	Volume     int
	Muted      bool
	Fullscreen bool
}
