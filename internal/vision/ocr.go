package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// FallbackProviderName marks enrichments produced by the OCR path.
const FallbackProviderName = "ocr_fallback"

// OCRProvider is the local OCR sidecar (tesseract behind HTTP). It serves
// two roles: the ocr_only policy decision and the fallback when the vision
// provider is down or out of budget.
type OCRProvider struct {
	endpoint string
	engine   string
	client   *http.Client
}

// NewOCRProvider builds the sidecar client.
func NewOCRProvider(cfg config.OCRConfig) *OCRProvider {
	engine := cfg.Engine
	if engine == "" {
		engine = "tesseract"
	}
	return &OCRProvider{
		endpoint: cfg.Endpoint,
		engine:   engine,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OCRProvider) Name() string  { return FallbackProviderName }
func (p *OCRProvider) Model() string { return p.engine }

// Analyze extracts the text layer only; no labels or description.
func (p *OCRProvider) Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, error) {
	if p.endpoint == "" {
		// No sidecar configured: degrade to an empty text layer instead of
		// failing the post.
		return events.VisionResult{
			Provider: p.Name(),
			Model:    p.engine,
			OCR:      events.OCRResult{Engine: p.engine},
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return events.VisionResult{}, err
	}
	req.Header.Set("Content-Type", mime)

	resp, err := p.client.Do(req)
	if err != nil {
		return events.VisionResult{}, faults.Unavailable("ocr_sidecar", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return events.VisionResult{}, faults.Unavailable("ocr_sidecar",
			fmt.Errorf("ocr sidecar status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return events.VisionResult{}, err
	}
	var parsed struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return events.VisionResult{}, faults.BadInput("ocr_reply_shape", err)
	}
	return events.VisionResult{
		Provider: p.Name(),
		Model:    p.engine,
		OCR: events.OCRResult{
			Text:       parsed.Text,
			Engine:     p.engine,
			Confidence: parsed.Confidence,
		},
	}, nil
}
