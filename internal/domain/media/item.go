// Package media provides the playable media domain entities.
package media

import "time"

// Kind represents the media kind as reported by the catalog.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
	KindTrack   Kind = "track"
	KindClip    Kind = "clip"
)

// ItemRef is an opaque reference to a catalog item.
type ItemRef struct {
	Key  string // Catalog item key
	Kind Kind   // Media kind (best effort, may be empty)
}

// PlayableItem represents a resolved, ready-to-play catalog item.
// Immutable once constructed; produced by the catalog service.
type PlayableItem struct {
	Key          string        // Catalog item key
	Title        string        // Display title
	Kind         Kind          // Media kind
	StreamURL    string        // Primary stream URL
	FallbackURL  string        // Secondary stream URL (empty if none)
	ResumeOffset time.Duration // Server-side resume offset (0 when unwatched)
}

// Ref returns the item's catalog reference.
func (p *PlayableItem) Ref() ItemRef {
	return ItemRef{Key: p.Key, Kind: p.Kind}
}

// completionRatio is the fraction of duration at which an item counts
// as watched.
const completionRatio = 0.97

// NearCompletion reports whether position has crossed the watched
// threshold. Always false when the duration is unknown.
func NearCompletion(position, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}
	return float64(position) >= completionRatio*float64(duration)
}
