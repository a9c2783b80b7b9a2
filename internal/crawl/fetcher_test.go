package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/config"
)

func testCrawlConfig() config.CrawlConfig {
	return config.CrawlConfig{
		Enabled:        true,
		TimeoutSeconds: 5,
		MaxBodyBytes:   1 << 20,
		MaxRedirects:   3,
	}
}

func TestFetcher_RendersArticleMarkdown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>Big News</title></head>
			<body><article><h1>Big News</h1>
			<p>Something important happened in the world of streams and queues.</p>
			<p>It kept happening for several paragraphs so the extractor has content to find.</p>
			<p>More context, quotes and details follow here to pad out the article body.</p>
			</article></body></html>`))
	}))
	defer srv.Close()

	f := NewFetcher(testCrawlConfig())
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, res.Markdown, "Something important happened")
	assert.True(t, strings.HasPrefix(res.Markdown, "#"), "markdown should lead with a heading")
}

func TestFetcher_EnforcesMaxBytes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	cfg := testCrawlConfig()
	cfg.MaxBodyBytes = 1024
	f := NewFetcher(cfg)

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errTooLarge)
}

func TestFetcher_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(testCrawlConfig())
	res, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, http.StatusGone, res.Status)
}

func TestFetcher_RedirectCap(t *testing.T) {
	t.Parallel()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := NewFetcher(testCrawlConfig())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects")
}

func TestCategorize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CategoryTimeout, categorize(context.DeadlineExceeded))
	assert.Equal(t, CategoryParse, categorize(errTooLarge))
	assert.Equal(t, CategoryNetwork, categorize(assert.AnError))
}
