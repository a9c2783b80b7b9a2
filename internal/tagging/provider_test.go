package tagging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagReply(t *testing.T) {
	t.Parallel()

	tags, err := parseTagReply(`["Tech", "ai", " ai ", "golang"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech", "ai", "golang"}, tags, "lowercased and deduplicated")

	tags, err = parseTagReply("```json\n[\"news\"]\n```")
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, tags)

	_, err = parseTagReply("sorry, I cannot tag this")
	assert.Error(t, err)
}

func TestTagsHash_OrderInsensitive(t *testing.T) {
	t.Parallel()
	a := TagsHash([]string{"x", "y"})
	b := TagsHash([]string{"y", "x"})
	c := TagsHash([]string{"x"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAppendVisionSummary(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(map[string]any{
		"description": "crowd at a rally",
		"ocr":         map[string]any{"text": "FREEDOM"},
	})

	out := appendVisionSummary("short post", data)
	assert.Contains(t, out, "short post")
	assert.Contains(t, out, "Image description: crowd at a rally")
	assert.Contains(t, out, "Image text: FREEDOM")

	// Text-only posts pass through when the vision data is malformed.
	assert.Equal(t, "just text", appendVisionSummary("just text", []byte("{broken")))
}
