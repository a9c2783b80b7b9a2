package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayouts(t *testing.T) {
	t.Parallel()
	sha := "a3f2b1c4d5e6a3f2b1c4d5e6a3f2b1c4d5e6a3f2b1c4d5e6a3f2b1c4d5e6a3f2"

	assert.Equal(t, "media/t1/a3/"+sha+".jpg", ObjectKey("t1", sha, "jpg"))
	assert.Equal(t, "vision/t1/"+sha+"_openai_gpt-4o-mini_v2.json",
		VisionCacheKey("t1", sha, "openai", "gpt-4o-mini", 2))
	assert.Equal(t, "crawl/t1/a3/"+sha+".json", CrawlKey("t1", sha, "json"))
	assert.Equal(t, "album/t1/g9_vision_summary_v1.json", AlbumSummaryKey("t1", "g9", 1))
	assert.Equal(t, "media/t1/", TenantPrefix("t1"))
}
