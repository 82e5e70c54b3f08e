package media

import "time"

// TimelineState represents the playback state carried by a timeline report.
type TimelineState string

const (
	StatePlaying TimelineState = "playing"
	StatePaused  TimelineState = "paused"
	StateStopped TimelineState = "stopped"
)

// TimelineSnapshot is a point-in-time view of the active session, produced
// on every poll tick. Never persisted directly.
type TimelineSnapshot struct {
	ItemKey    string
	State      TimelineState
	Position   time.Duration
	Duration   time.Duration
	ObservedAt time.Time
}

// NearCompletion reports whether the snapshot has crossed the watched
// threshold.
func (s TimelineSnapshot) NearCompletion() bool {
	return NearCompletion(s.Position, s.Duration)
}
