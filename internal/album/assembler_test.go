package album

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faststore"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

func TestAggregate_PositionOrder(t *testing.T) {
	t.Parallel()
	st := faststore.AlbumState{
		GroupID:       "g1",
		ExpectedItems: 3,
		CreatedAt:     time.Now().Add(-time.Minute),
		Received: map[string]events.VisionResult{
			"p1": {Labels: []string{"city", "night"}, Description: "skyline at night", OCR: events.OCRResult{Text: "HOTEL"}},
			"p2": {Labels: []string{"night", "river"}, Description: "river view", IsMeme: true},
			"p3": {Labels: []string{"bridge"}, Description: "old bridge", OCR: events.OCRResult{Text: "HOTEL"}},
		},
	}
	// Items arrive out of position order on purpose.
	items := []store.GroupItem{
		{GroupID: "g1", Position: 2, PostID: "p3"},
		{GroupID: "g1", Position: 0, PostID: "p1"},
		{GroupID: "g1", Position: 1, PostID: "p2"},
	}

	sum := aggregate(st, items)

	assert.Equal(t, []string{"city", "night", "river", "bridge"}, sum.Labels,
		"labels deduplicated in first-seen position order")
	assert.Equal(t, "skyline at night river view old bridge", sum.Description,
		"descriptions concatenated by position")
	assert.Equal(t, "HOTEL", sum.OCRText, "ocr texts unioned")
	assert.True(t, sum.HasMeme)
	assert.Equal(t, 3, sum.Items)
	assert.Equal(t, 3, sum.Analyzed)
}

func TestAggregate_UnlinkedResultsStillCount(t *testing.T) {
	t.Parallel()
	st := faststore.AlbumState{
		GroupID:       "g1",
		ExpectedItems: 2,
		Received: map[string]events.VisionResult{
			"linked":   {Labels: []string{"a"}},
			"unlinked": {Labels: []string{"b"}},
		},
	}
	items := []store.GroupItem{{GroupID: "g1", Position: 0, PostID: "linked"}}

	sum := aggregate(st, items)
	assert.ElementsMatch(t, []string{"a", "b"}, sum.Labels)
}

func TestAlbumState_Complete(t *testing.T) {
	t.Parallel()
	st := faststore.AlbumState{ExpectedItems: 2, Received: map[string]events.VisionResult{}}
	assert.False(t, st.Complete())

	st.Received["p1"] = events.VisionResult{}
	assert.False(t, st.Complete())

	st.Received["p2"] = events.VisionResult{}
	assert.True(t, st.Complete())

	// A record that never saw a sighting has no expected count and cannot
	// complete, no matter how many results are parked on it.
	parked := faststore.AlbumState{Received: map[string]events.VisionResult{"p": {}}}
	assert.False(t, parked.Complete())
}
