package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNearCompletion(t *testing.T) {
	tests := []struct {
		name        string
		position    time.Duration
		duration    time.Duration
		want        bool
		description string
	}{
		{
			name:        "Past threshold",
			position:    59 * time.Minute,
			duration:    60 * time.Minute,
			want:        true,
			description: "Should be near completion above 97%",
		},
		{
			name:        "Exactly at threshold",
			position:    time.Duration(0.97 * float64(100*time.Minute)),
			duration:    100 * time.Minute,
			want:        true,
			description: "Threshold itself counts as near completion",
		},
		{
			name:        "Just below threshold",
			position:    96 * time.Minute,
			duration:    100 * time.Minute,
			want:        false,
			description: "Should not be near completion below 97%",
		},
		{
			name:        "Unknown duration",
			position:    2 * time.Hour,
			duration:    0,
			want:        false,
			description: "Unknown duration is never near completion",
		},
		{
			name:        "Negative duration",
			position:    time.Minute,
			duration:    -time.Minute,
			want:        false,
			description: "Negative duration is never near completion",
		},
		{
			name:        "Zero position",
			position:    0,
			duration:    time.Hour,
			want:        false,
			description: "Fresh playback is not near completion",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NearCompletion(tt.position, tt.duration), tt.description)
		})
	}
}

func TestTimelineSnapshot_NearCompletion(t *testing.T) {
	snap := TimelineSnapshot{
		ItemKey:  "item-1",
		State:    StatePlaying,
		Position: 99 * time.Minute,
		Duration: 100 * time.Minute,
	}
	assert.True(t, snap.NearCompletion())

	snap.Position = 50 * time.Minute
	assert.False(t, snap.NearCompletion())
}

func TestPlayableItem_Ref(t *testing.T) {
	item := PlayableItem{Key: "item-1", Kind: KindEpisode, Title: "Pilot"}
	ref := item.Ref()
	assert.Equal(t, "item-1", ref.Key)
	assert.Equal(t, KindEpisode, ref.Kind)
}
