package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ilyasni/telegram-assistant/internal/events"
)

func TestNeedsRetag(t *testing.T) {
	t.Parallel()

	current := tagsData{
		Tags:          []string{"tech"},
		Trigger:       events.TriggerVisionRetag,
		VisionVersion: 2,
		FeaturesHash:  "hash-v2",
	}

	cases := []struct {
		name string
		ev   events.VisionAnalyzed
		want bool
	}{
		{
			name: "newer vision version",
			ev:   events.VisionAnalyzed{VisionVersion: 3, FeaturesHash: "hash-v2"},
			want: true,
		},
		{
			name: "same version, changed features",
			ev:   events.VisionAnalyzed{VisionVersion: 2, FeaturesHash: "hash-other"},
			want: true,
		},
		{
			name: "replay of the run the tags came from",
			ev:   events.VisionAnalyzed{VisionVersion: 2, FeaturesHash: "hash-v2"},
			want: false,
		},
		{
			name: "older version with the same features",
			ev:   events.VisionAnalyzed{VisionVersion: 1, FeaturesHash: "hash-v2"},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, needsRetag(current, tc.ev))
		})
	}
}

// Initial tags may predate any vision run; the first vision event must then
// trigger exactly one retag, after which the stored hash gates replays.
func TestNeedsRetag_InitialTagsWithoutFeatures(t *testing.T) {
	t.Parallel()

	initial := tagsData{Tags: []string{"tech"}, Trigger: events.TriggerInitial}
	ev := events.VisionAnalyzed{VisionVersion: 1, FeaturesHash: "hash-v1"}
	assert.True(t, needsRetag(initial, ev))

	retagged := tagsData{
		Tags:          []string{"tech", "cats"},
		Trigger:       events.TriggerVisionRetag,
		VisionVersion: 1,
		FeaturesHash:  "hash-v1",
	}
	assert.False(t, needsRetag(retagged, ev), "the stored hash gates the replay")
}
