package enrich

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type fakeEnrichments struct {
	rows map[string]map[string]store.Enrichment // post id -> kind -> row
}

func (f *fakeEnrichments) Get(_ context.Context, postID, kind string) (store.Enrichment, bool, error) {
	row, ok := f.rows[postID][kind]
	return row, ok, nil
}

type fakePosts struct {
	posts  map[string]store.Post
	groups map[string]store.MediaGroup  // post id -> group
	items  map[string][]store.GroupItem // group id -> members
}

func (f *fakePosts) Get(_ context.Context, postID string) (store.Post, bool, error) {
	p, ok := f.posts[postID]
	return p, ok, nil
}

func (f *fakePosts) GroupForPost(_ context.Context, postID string) (store.MediaGroup, bool, error) {
	g, ok := f.groups[postID]
	return g, ok, nil
}

func (f *fakePosts) GroupItems(_ context.Context, groupID string) ([]store.GroupItem, error) {
	return f.items[groupID], nil
}

type fakeResolver struct {
	tenant string
	calls  int
}

func (f *fakeResolver) Resolve(context.Context, int64, string) (string, error) {
	f.calls++
	return f.tenant, nil
}

type published struct {
	stream string
	env    events.Envelope
	body   []byte
}

type fakePublisher struct {
	entries []published
}

func (f *fakePublisher) Publish(_ context.Context, stream string, env events.Envelope, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.entries = append(f.entries, published{stream: stream, env: env, body: body})
	return "1-0", nil
}

func delivery(t *testing.T, payload any) bus.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Delivery{ID: "1-0", Payload: body}
}

func row(t *testing.T, kind, status string, data any) store.Enrichment {
	t.Helper()
	body, err := json.Marshal(data)
	require.NoError(t, err)
	return store.Enrichment{Kind: kind, Status: status, Data: body}
}

func TestJoiner_TaggedJoinsAllRows(t *testing.T) {
	t.Parallel()
	enrichments := &fakeEnrichments{rows: map[string]map[string]store.Enrichment{
		"p1": {
			store.KindVision: row(t, store.KindVision, store.StatusOK, events.VisionResult{
				Provider: "openai", Labels: []string{"cat"}, Description: "a cat",
			}),
			store.KindCrawl: row(t, store.KindCrawl, store.StatusOK,
				map[string]any{"canonical_url": "https://example.com/a"}),
		},
	}}
	posts := &fakePosts{
		posts:  map[string]store.Post{"p1": {ID: "p1", ChannelID: 7, Text: "look"}},
		groups: map[string]store.MediaGroup{"p1": {ID: "g1"}},
	}
	pub := &fakePublisher{}
	j := NewJoiner(enrichments, posts, &fakeResolver{tenant: "t-x"}, pub)

	err := j.HandlePostTagged(context.Background(), delivery(t, events.PostTagged{
		PostID: "p1", TenantID: "t1", Tags: []string{"cats"}, TagsHash: "h1",
		Trigger: events.TriggerInitial,
	}))
	require.NoError(t, err)

	require.Len(t, pub.entries, 1)
	assert.Equal(t, events.StreamPostsEnriched, pub.entries[0].stream)
	assert.Equal(t, "t1", pub.entries[0].env.TenantID)

	var out events.PostEnriched
	require.NoError(t, json.Unmarshal(pub.entries[0].body, &out))
	assert.Equal(t, "p1", out.PostID)
	assert.Equal(t, []string{"cats"}, out.Tags)
	assert.Equal(t, "g1", out.AlbumID)
	require.NotNil(t, out.Vision)
	assert.Equal(t, []string{"cat"}, out.Vision.Labels)
	assert.JSONEq(t, `{"canonical_url":"https://example.com/a"}`, string(out.Crawl))
}

func TestJoiner_TaggedResolvesMissingTenant(t *testing.T) {
	t.Parallel()
	enrichments := &fakeEnrichments{rows: map[string]map[string]store.Enrichment{}}
	posts := &fakePosts{posts: map[string]store.Post{"p1": {ID: "p1", ChannelID: 7}}}
	resolver := &fakeResolver{tenant: "t-resolved"}
	pub := &fakePublisher{}
	j := NewJoiner(enrichments, posts, resolver, pub)

	err := j.HandlePostTagged(context.Background(), delivery(t, events.PostTagged{
		PostID: "p1", Tags: []string{"x"}, TagsHash: "h",
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls)
	require.Len(t, pub.entries, 1)
	assert.Equal(t, "t-resolved", pub.entries[0].env.TenantID)
}

func TestJoiner_CrawledWithoutTagsIsDeferred(t *testing.T) {
	t.Parallel()
	enrichments := &fakeEnrichments{rows: map[string]map[string]store.Enrichment{}}
	posts := &fakePosts{posts: map[string]store.Post{"p1": {ID: "p1"}}}
	pub := &fakePublisher{}
	j := NewJoiner(enrichments, posts, &fakeResolver{tenant: "t1"}, pub)

	err := j.HandlePostCrawled(context.Background(), delivery(t, events.PostCrawled{
		PostID: "p1", TenantID: "t1", CanonicalURL: "https://example.com/a", Status: "ok",
	}))
	require.NoError(t, err)
	assert.Empty(t, pub.entries, "the tag-stage join carries the crawl row later")
}

// A tag-triggered crawl lands strictly after the tagged join fired; the
// crawl handler must republish posts.enriched with the crawl data folded in.
func TestJoiner_CrawledRejoinsWithStoredTags(t *testing.T) {
	t.Parallel()
	enrichments := &fakeEnrichments{rows: map[string]map[string]store.Enrichment{
		"p1": {
			store.KindTags: row(t, store.KindTags, store.StatusOK,
				map[string]any{"tags": []string{"news"}, "tags_hash": "h1"}),
			store.KindCrawl: row(t, store.KindCrawl, store.StatusOK,
				map[string]any{"canonical_url": "https://example.com/a"}),
		},
	}}
	posts := &fakePosts{posts: map[string]store.Post{"p1": {ID: "p1", Text: "short"}}}
	pub := &fakePublisher{}
	j := NewJoiner(enrichments, posts, &fakeResolver{tenant: "t1"}, pub)

	err := j.HandlePostCrawled(context.Background(), delivery(t, events.PostCrawled{
		PostID: "p1", TenantID: "t1", CanonicalURL: "https://example.com/a", Status: "ok",
	}))
	require.NoError(t, err)

	require.Len(t, pub.entries, 1)
	var out events.PostEnriched
	require.NoError(t, json.Unmarshal(pub.entries[0].body, &out))
	assert.Equal(t, []string{"news"}, out.Tags)
	assert.NotNil(t, out.Crawl)

	taggedKey := events.IdempotencyKey(events.StreamPostsEnriched, "p1", "h1")
	assert.NotEqual(t, taggedKey, pub.entries[0].env.IdempotencyKey,
		"the crawl rejoin must not collapse into the earlier tagged join")
}

func TestJoiner_AlbumRejoinsTaggedMembers(t *testing.T) {
	t.Parallel()
	enrichments := &fakeEnrichments{rows: map[string]map[string]store.Enrichment{
		"p1": {store.KindTags: row(t, store.KindTags, store.StatusOK,
			map[string]any{"tags": []string{"travel"}})},
		// p2 has no tags row yet.
	}}
	posts := &fakePosts{
		posts: map[string]store.Post{
			"p1": {ID: "p1", TenantID: "t1"},
			"p2": {ID: "p2", TenantID: "t1"},
		},
		groups: map[string]store.MediaGroup{
			"p1": {ID: "g1"},
			"p2": {ID: "g1"},
		},
		items: map[string][]store.GroupItem{
			"g1": {
				{GroupID: "g1", Position: 0, PostID: "p1"},
				{GroupID: "g1", Position: 1, PostID: "p2"},
			},
		},
	}
	pub := &fakePublisher{}
	j := NewJoiner(enrichments, posts, &fakeResolver{tenant: "t1"}, pub)

	err := j.HandleAlbumAssembled(context.Background(), delivery(t, events.AlbumAssembled{
		AlbumID: "g1", TenantID: "t1", ItemsCount: 2, ItemsAnalyzed: 2,
	}))
	require.NoError(t, err)

	require.Len(t, pub.entries, 1, "untagged members wait for their own tag-stage join")
	var out events.PostEnriched
	require.NoError(t, json.Unmarshal(pub.entries[0].body, &out))
	assert.Equal(t, "p1", out.PostID)
	assert.Equal(t, "g1", out.AlbumID)
	assert.Equal(t, []string{"travel"}, out.Tags)
}
