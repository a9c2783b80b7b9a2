// Package tagging generates topic tags for posts and regenerates them when
// new vision output changes the picture, without ever consuming its own
// events.
package tagging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Provider turns post text (optionally enriched with a vision summary) into
// topic tags.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, text string) ([]string, error)
}

const tagPrompt = `Extract up to 8 topic tags for this social media post.
Respond with a single JSON array of short lowercase strings, nothing else.

Post:
`

// OpenAIProvider generates tags through an OpenAI-compatible endpoint.
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
	return &OpenAIProvider{client: openai.NewClient(opts...), model: cfg.Model}
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// Generate asks for a JSON array of tags.
func (p *OpenAIProvider) Generate(ctx context.Context, text string) ([]string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(tagPrompt + text),
		},
		MaxTokens: param.NewOpt(int64(200)),
	})
	if err != nil {
		return nil, faults.Unavailable("tag_provider", err)
	}
	if len(resp.Choices) == 0 {
		return nil, faults.Unavailable("tag_provider", fmt.Errorf("no choices returned"))
	}
	return parseTagReply(resp.Choices[0].Message.Content)
}

func parseTagReply(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	var tags []string
	if err := json.Unmarshal([]byte(content), &tags); err != nil {
		return nil, faults.BadInput("tag_reply_shape", err)
	}
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// TagsHash is the stable digest of a tag set; order-insensitive.
func TagsHash(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, t := range sorted {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
