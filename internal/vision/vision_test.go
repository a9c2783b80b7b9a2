package vision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/breaker"
	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

func testVisionConfig() config.VisionConfig {
	return config.VisionConfig{
		Enabled:      true,
		MaxFileBytes: 1 << 20,
		AllowedMIMEs: []string{"image/jpeg", "image/png"},
		DenyChannels: []int64{666},
	}
}

func TestPolicyGate(t *testing.T) {
	t.Parallel()
	gate := NewPolicyGate(testVisionConfig())

	cases := []struct {
		name      string
		file      events.MediaFile
		channelID int64
		want      Decision
		reason    string
	}{
		{
			name: "allowed image",
			file: events.MediaFile{MIME: "image/jpeg", SizeBytes: 1024},
			want: DecisionAnalyze,
		},
		{
			name:   "mime not allowed",
			file:   events.MediaFile{MIME: "application/pdf", SizeBytes: 1024},
			want:   DecisionSkip,
			reason: "mime_not_allowed",
		},
		{
			name:      "denied channel",
			file:      events.MediaFile{MIME: "image/jpeg", SizeBytes: 1024},
			channelID: 666,
			want:      DecisionSkip,
			reason:    "channel_denied",
		},
		{
			name:   "oversized file falls back to ocr",
			file:   events.MediaFile{MIME: "image/png", SizeBytes: 2 << 20},
			want:   DecisionOCROnly,
			reason: "file_too_large",
		},
		{
			name:   "empty file",
			file:   events.MediaFile{MIME: "image/png", SizeBytes: 0},
			want:   DecisionSkip,
			reason: "empty_file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := gate.Evaluate(tc.file, tc.channelID)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestPolicyGate_Disabled(t *testing.T) {
	t.Parallel()
	cfg := testVisionConfig()
	cfg.Enabled = false
	gate := NewPolicyGate(cfg)

	got, reason := gate.Evaluate(events.MediaFile{MIME: "image/jpeg", SizeBytes: 10}, 1)
	assert.Equal(t, DecisionSkip, got)
	assert.Equal(t, "vision_disabled", reason)
}

func TestParseVisionReply(t *testing.T) {
	t.Parallel()
	reply := "```json\n" + `{"labels":["cat","meme"],"description":"a cat","ocr_text":"LOL","is_meme":true}` + "\n```"
	res, err := parseVisionReply("openai", "gpt-4o-mini", reply)
	require.NoError(t, err)

	assert.Equal(t, []string{"cat", "meme"}, res.Labels)
	assert.Equal(t, "a cat", res.Description)
	assert.Equal(t, "LOL", res.OCR.Text)
	assert.True(t, res.IsMeme)
	assert.Equal(t, "openai", res.Provider)

	_, err = parseVisionReply("openai", "gpt-4o-mini", "not json at all")
	assert.Error(t, err)
}

func TestMergeResults(t *testing.T) {
	t.Parallel()
	merged := mergeResults([]events.VisionResult{
		{
			Provider: FallbackProviderName, Model: "tesseract",
			OCR: events.OCRResult{Text: "scan text", Engine: "tesseract", Confidence: 0.6},
		},
		{
			Provider: "openai", Model: "gpt-4o-mini",
			Labels:      []string{"cat", "sofa"},
			Description: "a cat on a sofa",
			IsMeme:      true,
		},
		{
			Provider: "openai", Model: "gpt-4o-mini",
			Labels:      []string{"sofa", "lamp"},
			Description: "a lamp",
			OCR:         events.OCRResult{Text: "SALE", Engine: "openai", Confidence: 0.8},
		},
	})

	// Provider attribution prefers the LLM over the fallback.
	assert.Equal(t, "openai", merged.Provider)
	assert.Equal(t, []string{"cat", "sofa", "lamp"}, merged.Labels)
	assert.Equal(t, "a cat on a sofa a lamp", merged.Description)
	assert.Equal(t, "scan text\nSALE", merged.OCR.Text)
	assert.True(t, merged.IsMeme)
	assert.InDelta(t, 0.7, merged.OCR.Confidence, 1e-9)
}

func TestMergeResults_AllFallback(t *testing.T) {
	t.Parallel()
	merged := mergeResults([]events.VisionResult{
		{Provider: FallbackProviderName, Model: "tesseract", OCR: events.OCRResult{Text: "a", Engine: "tesseract"}},
	})
	assert.Equal(t, FallbackProviderName, merged.Provider)
	assert.Equal(t, "tesseract", merged.Model)
}

// scriptedProvider fails a set number of times before succeeding.
type scriptedProvider struct {
	calls    int
	failures int
	err      error
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Analyze(context.Context, []byte, string) (events.VisionResult, error) {
	p.calls++
	if p.calls <= p.failures {
		return events.VisionResult{}, p.err
	}
	return events.VisionResult{Provider: p.Name(), Model: p.Model(), Labels: []string{"ok"}}, nil
}

// shrinkRetryDelays makes the ladder fast for tests and restores it after.
func shrinkRetryDelays(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = saved })
}

func TestCallProvider_RetriesThroughLadder(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptedProvider{failures: 3, err: faults.Unavailable("vision_provider", errors.New("503"))}
	a := &Analyzer{provider: provider, brk: breaker.New("test", 100, time.Minute)}

	res, err := a.callProvider(context.Background(), []byte("img"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, res.Labels)
	// One initial attempt plus one retry per ladder rung.
	assert.Equal(t, 1+len(retryDelays), provider.calls)
}

func TestCallProvider_ExhaustsLadder(t *testing.T) {
	shrinkRetryDelays(t)
	wantErr := faults.Unavailable("vision_provider", errors.New("503"))
	provider := &scriptedProvider{failures: 10, err: wantErr}
	a := &Analyzer{provider: provider, brk: breaker.New("test", 100, time.Minute)}

	_, err := a.callProvider(context.Background(), []byte("img"), "image/jpeg")
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1+len(retryDelays), provider.calls)
}

func TestCallProvider_NoRetryOnPermanentInput(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptedProvider{failures: 10, err: faults.BadInput("vision_reply_shape", errors.New("not json"))}
	a := &Analyzer{provider: provider, brk: breaker.New("test", 100, time.Minute)}

	_, err := a.callProvider(context.Background(), []byte("img"), "image/jpeg")
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "malformed replies must not burn retries")
}

func TestCallProvider_StopsWhenBreakerOpens(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptedProvider{failures: 10, err: faults.Unavailable("vision_provider", errors.New("503"))}
	a := &Analyzer{provider: provider, brk: breaker.New("test", 1, time.Minute)}

	_, err := a.callProvider(context.Background(), []byte("img"), "image/jpeg")
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "an open breaker short-circuits the remaining rungs")
}

func TestFeaturesHash_Deterministic(t *testing.T) {
	t.Parallel()
	a := FeaturesHash([]string{"b", "a"}, "desc")
	b := FeaturesHash([]string{"a", "b"}, "desc")
	c := FeaturesHash([]string{"a", "b"}, "other")

	assert.Equal(t, a, b, "label order must not change the hash")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
