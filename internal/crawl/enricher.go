package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faststore"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/media"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// Result categories recorded per crawl attempt.
const (
	CategoryOK         = "ok"
	CategorySSRFDenied = "ssrf_denied"
	CategoryBudget     = "budget_denied"
	CategoryTimeout    = "timeout"
	CategoryNetwork    = "network"
	CategoryParse      = "parse"
)

// Trigger reasons.
const (
	reasonURLPresent = "url_present"
	reasonTriggerTag = "tag_in_trigger_list"
	reasonWordCount  = "word_count"
)

// Enricher consumes posts.parsed and posts.tagged and produces crawl
// enrichments, deduplicated globally per canonical URL.
type Enricher struct {
	cfg          config.CrawlConfig
	guard        *SSRFGuard
	fetcher      *Fetcher
	seen         *faststore.Dedupe
	tenantBudget *faststore.Budget
	domainBudget *faststore.Budget
	cas          *media.CAS
	enrichments  *store.Enrichments
	posts        *store.Posts
	publisher    *bus.Bus

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEnricher wires the stage.
func NewEnricher(
	cfg config.CrawlConfig,
	seen *faststore.Dedupe,
	tenantBudget, domainBudget *faststore.Budget,
	cas *media.CAS,
	enrichments *store.Enrichments,
	posts *store.Posts,
	publisher *bus.Bus,
) *Enricher {
	return &Enricher{
		cfg:          cfg,
		guard:        NewSSRFGuard(cfg.AllowDomains, cfg.DenyDomains),
		fetcher:      NewFetcher(cfg),
		seen:         seen,
		tenantBudget: tenantBudget,
		domainBudget: domainBudget,
		cas:          cas,
		enrichments:  enrichments,
		posts:        posts,
		publisher:    publisher,
		limiters:     map[string]*rate.Limiter{},
	}
}

// HandlePostParsed evaluates the text triggers for a freshly ingested post.
func (e *Enricher) HandlePostParsed(ctx context.Context, d bus.Delivery) error {
	var ev events.PostParsed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_parsed", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("posts_parsed_shape", errors.New("post_id required"))
	}
	return e.enrich(ctx, ev.PostID, ev.TenantID, ev.Text, nil)
}

// HandlePostTagged re-evaluates the triggers once tags exist; the tag
// trigger can fire on posts whose text alone did not qualify.
func (e *Enricher) HandlePostTagged(ctx context.Context, d bus.Delivery) error {
	var ev events.PostTagged
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_tagged", err)
	}
	post, found, err := e.posts.Get(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !found {
		return faults.BadInput("post_missing", errors.New(ev.PostID))
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant = post.TenantID
	}
	return e.enrich(ctx, ev.PostID, tenant, post.Text, ev.Tags)
}

// enrich runs the crawl pipeline for one post. It is a no-op without a
// trigger or without a crawlable URL; policy denials are skips, not errors.
func (e *Enricher) enrich(ctx context.Context, postID, tenant, text string, tags []string) error {
	if !e.cfg.Enabled {
		return nil
	}

	urls := ExtractURLs(text)
	reasons := e.triggers(text, tags, urls)
	if len(reasons) == 0 || len(urls) == 0 {
		return nil
	}
	log := observability.LoggerWithTrace(ctx)
	log.Debug().Str("post_id", postID).Strs("reasons", reasons).
		Msg("crawl_triggered")

	// Skip posts that already carry a successful crawl row;
	// the retag path replays posts.tagged and must not refetch.
	if existing, found, err := e.enrichments.Get(ctx, postID, store.KindCrawl); err != nil {
		return err
	} else if found && existing.Status == store.StatusOK {
		return nil
	}

	canonical, host, err := e.firstCrawlable(urls)
	if err != nil {
		metrics.CrawlResults.WithLabelValues(CategorySSRFDenied).Inc()
		log.Info().Str("post_id", postID).Err(err).Msg("crawl_url_rejected")
		return e.persistAndEmit(ctx, postID, tenant, canonical, "", CategorySSRFDenied, nil)
	}

	key := DedupKey(canonical, e.cfg.PolicyVersion)
	if cachedKey, err := e.seen.Lookup(ctx, key); err != nil {
		return faults.Transientf("crawl_seen_lookup", err)
	} else if cachedKey != "" {
		// Global dedup hit: reuse the stored artifact, skip the fetch.
		metrics.CrawlResults.WithLabelValues(CategoryOK).Inc()
		return e.persistAndEmit(ctx, postID, tenant, canonical, cachedKey, CategoryOK, nil)
	}

	if ok, err := e.tenantBudget.Take(ctx, tenant, 1); err != nil {
		return faults.Transientf("crawl_tenant_budget", err)
	} else if !ok {
		metrics.BudgetDenied.WithLabelValues("crawl_tenant").Inc()
		metrics.CrawlSkips.WithLabelValues("tenant_budget").Inc()
		return nil
	}
	if ok, err := e.domainBudget.Take(ctx, host, 1); err != nil {
		return faults.Transientf("crawl_domain_budget", err)
	} else if !ok {
		metrics.BudgetDenied.WithLabelValues("crawl_domain").Inc()
		metrics.CrawlSkips.WithLabelValues("domain_budget").Inc()
		return nil
	}
	if err := e.limiter(host).Wait(ctx); err != nil {
		return faults.Transientf("crawl_rate_wait", err)
	}

	res, err := e.fetcher.Fetch(ctx, canonical)
	if err != nil {
		category := categorize(err)
		metrics.CrawlResults.WithLabelValues(category).Inc()
		log.Warn().Str("post_id", postID).Str("url", canonical).
			Str("category", category).Err(err).Msg("crawl_fetch_failed")
		return e.persistAndEmit(ctx, postID, tenant, canonical, "", category, nil)
	}

	s3Key := media.CrawlKey(tenant, key, "json")
	if err := e.cas.PutJSON(ctx, s3Key, res); err != nil {
		return faults.Transientf("crawl_artifact_put", err)
	}
	if _, err := e.seen.FirstSeen(ctx, key, s3Key); err != nil {
		return faults.Transientf("crawl_seen_mark", err)
	}

	metrics.CrawlResults.WithLabelValues(CategoryOK).Inc()
	return e.persistAndEmit(ctx, postID, tenant, canonical, s3Key, CategoryOK, res)
}

// persistAndEmit writes the crawl enrichment row and publishes
// posts.crawled. Denied and failed attempts persist too, with an error
// status, so the post is not retried forever.
func (e *Enricher) persistAndEmit(ctx context.Context, postID, tenant, canonical, s3Key, category string, res *Result) error {
	status := store.StatusOK
	if category != CategoryOK {
		status = store.StatusError
	}
	data := map[string]any{
		"canonical_url": canonical,
		"category":      category,
		"crawled_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if s3Key != "" {
		data["s3_key"] = s3Key
	}
	if res != nil {
		data["title"] = res.Title
		data["word_count"] = len(strings.Fields(res.Markdown))
		data["used_readable"] = res.UsedReadable
	}
	errText := ""
	if status == store.StatusError {
		errText = category
	}
	if _, err := e.enrichments.Upsert(ctx, store.UpsertParams{
		PostID:   postID,
		Kind:     store.KindCrawl,
		Provider: "crawler",
		Data:     data,
		Status:   status,
		Error:    errText,
		ParamsHash: store.ComputeParamsHash("crawler",
			"v"+strconv.Itoa(e.cfg.PolicyVersion),
			map[string]any{"url": canonical}),
	}); err != nil {
		return err
	}

	out := events.PostCrawled{
		PostID:       postID,
		TenantID:     tenant,
		CanonicalURL: canonical,
		S3Key:        s3Key,
		Status:       category,
	}
	_, err := e.publisher.Publish(ctx, events.StreamPostsCrawled, events.Envelope{
		IdempotencyKey: events.IdempotencyKey(events.StreamPostsCrawled, postID, canonical),
		TenantID:       tenant,
	}, out)
	return err
}

// triggers returns every fired reason; the first is primary.
func (e *Enricher) triggers(text string, tags, urls []string) []string {
	var reasons []string
	if len(urls) > 0 {
		reasons = append(reasons, reasonURLPresent)
	}
	for _, t := range tags {
		for _, trigger := range e.cfg.TriggerTags {
			if strings.EqualFold(t, trigger) {
				reasons = append(reasons, reasonTriggerTag)
				break
			}
		}
		if len(reasons) > 0 && reasons[len(reasons)-1] == reasonTriggerTag {
			break
		}
	}
	if len(strings.Fields(text)) >= e.cfg.MinWordCount {
		reasons = append(reasons, reasonWordCount)
	}
	return reasons
}

// firstCrawlable canonicalizes candidates in order and returns the first
// one that clears the SSRF guard, plus its host for the domain budget.
func (e *Enricher) firstCrawlable(urls []string) (canonical, host string, err error) {
	var lastErr error
	for _, raw := range urls {
		c, cerr := Canonicalize(raw)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		if gerr := e.guard.Check(c); gerr != nil {
			lastErr = gerr
			canonical = c
			continue
		}
		u, _ := url.Parse(c)
		return c, u.Hostname(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no crawlable url")
	}
	return canonical, "", lastErr
}

// limiter returns the per-host smoothing limiter. The hourly budget bounds
// totals; this bounds burstiness.
func (e *Enricher) limiter(host string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[host]
	if !ok {
		perSecond := float64(e.cfg.RateLimits.DomainPerHour) / 3600.0
		l = rate.NewLimiter(rate.Limit(perSecond), 1)
		e.limiters[host] = l
	}
	return l
}

// categorize maps fetch errors onto the result taxonomy.
func categorize(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, errParse), errors.Is(err, errTooLarge):
		return CategoryParse
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
}
