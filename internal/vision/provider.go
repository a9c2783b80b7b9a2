// Package vision analyzes post media: policy and budget gates in front of an
// LLM vision provider, an OCR sidecar as the fallback, artifact caching and
// one enrichment row per post.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Provider analyzes one media object.
type Provider interface {
	Name() string
	Model() string
	Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, error)
}

const visionPrompt = `Describe this image for a media archive. Respond with a single JSON object:
{"labels": ["..."], "description": "...", "ocr_text": "...", "is_meme": false}
labels: up to 10 short lowercase topic labels. description: 1-3 sentences.
ocr_text: any readable text in the image, empty string if none. is_meme: whether the image is a meme.`

// OpenAIProvider calls an OpenAI-compatible chat endpoint with the image
// inlined as a data URL.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider builds the provider from configuration.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// Analyze sends one image and parses the structured reply.
func (p *OpenAIProvider) Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	parts := []openai.ChatCompletionContentPartUnionParam{
		{
			OfText: &openai.ChatCompletionContentPartTextParam{Text: visionPrompt},
		},
		{
			OfImageURL: &openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
			},
		},
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			},
		},
		MaxTokens: param.NewOpt(int64(800)),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return events.VisionResult{}, faults.Unavailable("vision_provider", err)
	}
	if len(resp.Choices) == 0 {
		return events.VisionResult{}, faults.Unavailable("vision_provider", fmt.Errorf("no choices returned"))
	}
	return parseVisionReply(p.Name(), p.model, resp.Choices[0].Message.Content)
}

// parseVisionReply decodes the model's JSON, tolerating code fences.
func parseVisionReply(provider, model, content string) (events.VisionResult, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	var parsed struct {
		Labels      []string `json:"labels"`
		Description string   `json:"description"`
		OCRText     string   `json:"ocr_text"`
		IsMeme      bool     `json:"is_meme"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return events.VisionResult{}, faults.BadInput("vision_reply_shape", err)
	}
	res := events.VisionResult{
		Provider:    provider,
		Model:       model,
		Labels:      parsed.Labels,
		Description: parsed.Description,
		IsMeme:      parsed.IsMeme,
	}
	if parsed.OCRText != "" {
		res.OCR = events.OCRResult{Text: parsed.OCRText, Engine: provider, Confidence: 0.9}
	}
	return res, nil
}
