package faststore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/events"
)

func TestBudget_WindowKeys(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	daily := &Budget{prefix: "budget:vision", limit: 100, window: 24 * time.Hour,
		now: func() time.Time { return at }}
	assert.Equal(t, "budget:vision:t1:20250601", daily.key("t1"))

	hourly := &Budget{prefix: "crawl:budget:domain", limit: 10, window: time.Hour,
		now: func() time.Time { return at }}
	assert.Equal(t, "crawl:budget:domain:example.com:2025060114", hourly.key("example.com"))
}

func TestAlbumState_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	in := AlbumState{
		GroupID:       "g1",
		TenantID:      "t1",
		ChannelID:     42,
		GroupedID:     14098828991549074,
		ExpectedItems: 6,
		Received: map[string]events.VisionResult{
			"p1": {Provider: "openai", Labels: []string{"cat"}},
		},
		CreatedAt:   ts,
		AssembledAt: &ts,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out AlbumState
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.GroupedID, out.GroupedID)
	assert.Equal(t, in.ExpectedItems, out.ExpectedItems)
	assert.Equal(t, "openai", out.Received["p1"].Provider)
	require.NotNil(t, out.AssembledAt)
	assert.True(t, ts.Equal(*out.AssembledAt))
}

func TestAlbumKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "album:state:g1", albumKey("g1"))
}
