package vision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/breaker"
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

// retryDelays is the provider retry ladder: after a failed call the next
// retry waits up to 1s, then 4s, then 15s (full jitter), so one initial
// attempt plus one retry per rung. Package-level so tests can shrink it.
var retryDelays = []time.Duration{time.Second, 4 * time.Second, 15 * time.Second}

// Analyzer consumes posts.vision.uploaded and produces one vision enrichment
// per post.
type Analyzer struct {
	cfg         config.VisionConfig
	cas         *media.CAS
	budget      *faststore.Budget
	gate        *PolicyGate
	provider    Provider
	ocr         *OCRProvider
	brk         *breaker.Breaker
	enrichments *store.Enrichments
	posts       *store.Posts
	publisher   *bus.Bus
}

// NewAnalyzer wires the pipeline stage.
func NewAnalyzer(
	cfg config.VisionConfig,
	cas *media.CAS,
	budget *faststore.Budget,
	provider Provider,
	ocr *OCRProvider,
	brk *breaker.Breaker,
	enrichments *store.Enrichments,
	posts *store.Posts,
	publisher *bus.Bus,
) *Analyzer {
	return &Analyzer{
		cfg:         cfg,
		cas:         cas,
		budget:      budget,
		gate:        NewPolicyGate(cfg),
		provider:    provider,
		ocr:         ocr,
		brk:         brk,
		enrichments: enrichments,
		posts:       posts,
		publisher:   publisher,
	}
}

// Handle processes one posts.vision.uploaded delivery.
func (a *Analyzer) Handle(ctx context.Context, d bus.Delivery) error {
	var ev events.VisionUploaded
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_vision_uploaded", err)
	}
	if ev.PostID == "" || len(ev.MediaFiles) == 0 {
		return faults.BadInput("vision_uploaded_shape", errors.New("post_id and media_files required"))
	}

	post, found, err := a.posts.Get(ctx, ev.PostID)
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

	var (
		perFile  []events.VisionResult
		s3Keys   []string
		analyzed int
	)
	for _, file := range ev.MediaFiles {
		res, key, err := a.analyzeFile(ctx, tenant, post.ChannelID, file)
		if err != nil {
			return err
		}
		if key == "" {
			continue // skipped by policy
		}
		perFile = append(perFile, res)
		s3Keys = append(s3Keys, key)
		analyzed++
	}
	if analyzed == 0 {
		// Every file was denied by policy; nothing to persist or emit.
		return faults.Denied("all_media_skipped")
	}

	merged := mergeResults(perFile)
	now := time.Now().UTC()
	data := map[string]any{
		"model":       merged.Model,
		"provider":    merged.Provider,
		"analyzed_at": now.Format(time.RFC3339),
		"labels":      merged.Labels,
		"description": merged.Description,
		"ocr":         merged.OCR,
		"is_meme":     merged.IsMeme,
		"s3_keys":     s3Keys,
	}
	version, err := a.enrichments.Upsert(ctx, store.UpsertParams{
		PostID:   ev.PostID,
		Kind:     store.KindVision,
		Provider: merged.Provider,
		Data:     data,
		Status:   store.StatusOK,
		ParamsHash: store.ComputeParamsHash(merged.Model,
			versionString(a.cfg.CacheSchemaVersion),
			map[string]any{"provider": merged.Provider}),
	})
	if err != nil {
		return err
	}

	out := events.VisionAnalyzed{
		PostID:        ev.PostID,
		TenantID:      tenant,
		Vision:        merged,
		VisionVersion: version,
		FeaturesHash:  FeaturesHash(merged.Labels, merged.Description),
	}
	_, err = a.publisher.Publish(ctx, events.StreamVisionAnalyzed, events.Envelope{
		IdempotencyKey: events.IdempotencyKey(events.StreamVisionAnalyzed, ev.PostID, out.FeaturesHash),
		TenantID:       tenant,
	}, out)
	return err
}

// analyzeFile runs one media object through the gates, the cache and the
// provider. The returned key is empty when the file was skipped.
func (a *Analyzer) analyzeFile(ctx context.Context, tenant string, channelID int64, file events.MediaFile) (events.VisionResult, string, error) {
	decision, reason := a.gate.Evaluate(file, channelID)
	if decision == DecisionSkip {
		metrics.VisionSkips.WithLabelValues(reason).Inc()
		observability.LoggerWithTrace(ctx).Debug().
			Str("sha256", file.SHA256).Str("reason", reason).
			Msg("vision_media_skipped")
		return events.VisionResult{}, "", nil
	}

	if decision == DecisionAnalyze {
		allowed, _, err := a.budget.Check(ctx, tenant, a.cfg.EstTokensPerImage)
		if err != nil {
			return events.VisionResult{}, "", err
		}
		if !allowed {
			metrics.BudgetDenied.WithLabelValues("vision_tokens").Inc()
			decision = DecisionOCROnly
		}
	}

	cacheKey := media.VisionCacheKey(tenant, file.SHA256, a.provider.Name(),
		a.provider.Model(), a.cfg.CacheSchemaVersion)

	// Head-only cache hit: same bytes, same provider, same model, same
	// schema — the provider is skipped entirely.
	if decision == DecisionAnalyze {
		var cached events.VisionResult
		hit, err := a.cas.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			return events.VisionResult{}, "", faults.Transientf("vision_cache_read", err)
		}
		if hit {
			metrics.VisionCacheHits.Inc()
			return cached, cacheKey, nil
		}
	}

	blob, err := a.cas.Get(ctx, file.Key)
	if err != nil {
		return events.VisionResult{}, "", faults.Transientf("media_fetch", err)
	}

	if decision == DecisionOCROnly {
		res, err := a.ocr.Analyze(ctx, blob, file.MIME)
		if err != nil {
			return events.VisionResult{}, "", err
		}
		metrics.VisionRequests.WithLabelValues(res.Provider, "ok").Inc()
		return res, cacheKey, nil
	}

	res, err := a.callProvider(ctx, blob, file.MIME)
	if err != nil {
		// Terminal provider failure (retries spent or breaker open): fall
		// back to the text layer instead of losing the post.
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("sha256", file.SHA256).Msg("vision_provider_fallback")
		res, err = a.ocr.Analyze(ctx, blob, file.MIME)
		if err != nil {
			return events.VisionResult{}, "", err
		}
		metrics.VisionRequests.WithLabelValues(res.Provider, "ok").Inc()
		return res, cacheKey, nil
	}

	if err := a.budget.Increment(ctx, tenant, a.cfg.EstTokensPerImage); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("vision_budget_increment_failed")
	}
	if err := a.cas.PutJSON(ctx, cacheKey, res); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("key", cacheKey).Msg("vision_cache_write_failed")
	}
	return res, cacheKey, nil
}

// callProvider applies the breaker and the retry ladder: one initial
// attempt, then one jittered retry per ladder rung.
func (a *Analyzer) callProvider(ctx context.Context, blob []byte, mime string) (events.VisionResult, error) {
	var (
		res     events.VisionResult
		lastErr error
	)
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			d := time.Duration(rand.Int63n(int64(retryDelays[attempt-1]))) + time.Millisecond
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return res, ctx.Err()
			case <-t.C:
			}
		}
		err := a.brk.Do(func() error {
			var innerErr error
			res, innerErr = a.provider.Analyze(ctx, blob, mime)
			return innerErr
		})
		if err == nil {
			metrics.VisionRequests.WithLabelValues(a.provider.Name(), "ok").Inc()
			return res, nil
		}
		lastErr = err
		metrics.VisionRequests.WithLabelValues(a.provider.Name(), "error").Inc()
		if errors.Is(err, breaker.ErrOpen) {
			break // no point retrying into an open breaker
		}
		if faults.KindOf(err) == faults.PermanentInput {
			break
		}
	}
	return res, lastErr
}

// mergeResults folds per-file results into the post-level aggregate: label
// union in first-seen order, joined descriptions, concatenated OCR text,
// is_meme as any-of. The provider of the first LLM-analyzed file names the
// run; an all-fallback run is attributed to the OCR engine.
func mergeResults(results []events.VisionResult) events.VisionResult {
	out := events.VisionResult{Provider: FallbackProviderName}
	seen := map[string]bool{}
	var descs, ocrs []string
	var confSum float64
	var confN int
	for _, r := range results {
		if out.Provider == FallbackProviderName && r.Provider != FallbackProviderName {
			out.Provider = r.Provider
			out.Model = r.Model
		}
		if out.Model == "" {
			out.Model = r.Model
		}
		for _, l := range r.Labels {
			if !seen[l] {
				seen[l] = true
				out.Labels = append(out.Labels, l)
			}
		}
		if r.Description != "" {
			descs = append(descs, r.Description)
		}
		if r.OCR.Text != "" {
			ocrs = append(ocrs, r.OCR.Text)
			confSum += r.OCR.Confidence
			confN++
			if out.OCR.Engine == "" {
				out.OCR.Engine = r.OCR.Engine
			}
		}
		out.IsMeme = out.IsMeme || r.IsMeme
	}
	out.Description = strings.Join(descs, " ")
	out.OCR.Text = strings.Join(ocrs, "\n")
	if confN > 0 {
		out.OCR.Confidence = confSum / float64(confN)
	}
	return out
}

// FeaturesHash hashes the run's outputs (sorted labels plus description) so
// the retagger can detect meaningful change.
func FeaturesHash(labels []string, description string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, l := range sorted {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

func versionString(schema int) string {
	return "v" + strconv.Itoa(schema)
}
