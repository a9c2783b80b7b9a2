// Package events defines the stream names, the entry envelope and the typed
// payloads exchanged between processing stages. Payload key names are
// contractual; renaming a JSON tag is a wire-format change.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is stamped on every published envelope.
const SchemaVersion = 1

// TenantSentinel is the reserved fallback tenant. It is a valid value on the
// wire but resolvers log a warning whenever they have to produce it.
const TenantSentinel = "default"

// Stream names. The bus prefixes them with "stream:".
const (
	StreamPostsParsed    = "posts.parsed"
	StreamVisionUploaded = "posts.vision.uploaded"
	StreamVisionAnalyzed = "posts.vision.analyzed"
	StreamAlbumsParsed   = "albums.parsed"
	StreamAlbumAssembled = "album.assembled"
	StreamAlbumExpired   = "album.assembly_expired"
	StreamPostsTagged    = "posts.tagged"
	StreamPostsCrawled   = "posts.crawled"
	StreamPostsEnriched  = "posts.enriched"
	StreamPostsIndexed   = "posts.indexed"
)

// Triggers carried by posts.tagged.
const (
	TriggerInitial     = "initial"
	TriggerVisionRetag = "vision_retag"
	TriggerManual      = "manual"
)

// Envelope is the header common to every stream entry. The typed payload
// travels alongside it as a single JSON field.
type Envelope struct {
	SchemaVersion  int       `json:"schema_version"`
	IdempotencyKey string    `json:"idempotency_key"`
	TraceID        string    `json:"trace_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Validate rejects envelopes that would poison downstream consumers.
func (e Envelope) Validate() error {
	if e.SchemaVersion <= 0 {
		return fmt.Errorf("envelope: schema_version %d", e.SchemaVersion)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("envelope: empty idempotency_key")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope: zero occurred_at")
	}
	return nil
}

// MediaFile describes one uploaded media object of a post.
type MediaFile struct {
	SHA256    string `json:"sha256"`
	Key       string `json:"key"`
	MIME      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
}

// PostParsed is published by ingest once a post row is durable.
type PostParsed struct {
	PostID          string    `json:"post_id"`
	ChannelID       int64     `json:"channel_id"`
	TenantID        string    `json:"tenant_id"`
	Text            string    `json:"text"`
	HasMedia        bool      `json:"has_media"`
	MediaSHA256List []string  `json:"media_sha256_list"`
	GroupedID       int64     `json:"grouped_id,omitempty"`
	TelegramPostURL string    `json:"telegram_post_url"`
	PostedAt        time.Time `json:"posted_at"`
	TraceID         string    `json:"trace_id"`
}

// VisionUploaded asks the vision analyzer to look at a post's media.
type VisionUploaded struct {
	PostID     string      `json:"post_id"`
	TenantID   string      `json:"tenant_id"`
	MediaFiles []MediaFile `json:"media_files"`
	UploadedAt time.Time   `json:"uploaded_at"`
}

// OCRResult is the text layer extracted from one media object.
type OCRResult struct {
	Text       string  `json:"text"`
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
}

// VisionResult is the per-post aggregate the analyzer persists and emits.
type VisionResult struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Labels      []string  `json:"labels"`
	Description string    `json:"description"`
	OCR         OCRResult `json:"ocr"`
	IsMeme      bool      `json:"is_meme"`
}

// VisionAnalyzed is published after the vision enrichment row is durable.
type VisionAnalyzed struct {
	PostID        string       `json:"post_id"`
	TenantID      string       `json:"tenant_id"`
	Vision        VisionResult `json:"vision"`
	VisionVersion int64        `json:"vision_version"`
	FeaturesHash  string       `json:"features_hash"`
}

// AlbumParsed announces a media group sighting to the assembler. A later
// sighting of the same grouped_id may carry a larger items_count.
type AlbumParsed struct {
	GroupID    string   `json:"group_id"`
	TenantID   string   `json:"tenant_id"`
	ChannelID  int64    `json:"channel_id"`
	GroupedID  int64    `json:"grouped_id"`
	ItemsCount int      `json:"items_count"`
	PostIDs    []string `json:"post_ids"`
}

// AlbumAssembled is emitted exactly once per completed album.
type AlbumAssembled struct {
	AlbumID            string          `json:"album_id"`
	TenantID           string          `json:"tenant_id"`
	ItemsCount         int             `json:"items_count"`
	ItemsAnalyzed      int             `json:"items_analyzed"`
	VisionSummary      json.RawMessage `json:"vision_summary"`
	S3Key              string          `json:"s3_key"`
	AssemblyLagSeconds float64         `json:"assembly_lag_seconds"`
}

// AlbumExpired reports a partial album that ran out its assembly TTL.
type AlbumExpired struct {
	AlbumID       string   `json:"album_id"`
	TenantID      string   `json:"tenant_id"`
	ItemsCount    int      `json:"items_count"`
	ItemsAnalyzed int      `json:"items_analyzed"`
	MissingPosts  []string `json:"missing_posts"`
}

// PostTagged carries generated tags plus the trigger that produced them.
type PostTagged struct {
	PostID        string   `json:"post_id"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Tags          []string `json:"tags"`
	TagsHash      string   `json:"tags_hash"`
	Trigger       string   `json:"trigger"`
	VisionVersion int64    `json:"vision_version,omitempty"`
}

// PostCrawled reports a crawl enrichment outcome.
type PostCrawled struct {
	PostID       string `json:"post_id"`
	TenantID     string `json:"tenant_id"`
	CanonicalURL string `json:"canonical_url"`
	S3Key        string `json:"s3_key,omitempty"`
	Status       string `json:"status"`
}

// PostEnriched is the joined record the indexer consumes.
type PostEnriched struct {
	PostID   string          `json:"post_id"`
	TenantID string          `json:"tenant_id"`
	Text     string          `json:"text"`
	Tags     []string        `json:"tags"`
	AlbumID  string          `json:"album_id,omitempty"`
	Vision   *VisionResult   `json:"vision,omitempty"`
	Crawl    json.RawMessage `json:"crawl,omitempty"`
}

// PostIndexed closes the loop for downstream trend detection.
type PostIndexed struct {
	PostID    string    `json:"post_id"`
	TenantID  string    `json:"tenant_id"`
	VectorID  string    `json:"vector_id"`
	IndexedAt time.Time `json:"indexed_at"`
}

// DLQEvent is the payload written to <stream>.dlq sidecars.
type DLQEvent struct {
	BaseEvent      string    `json:"base_event"`
	PayloadSnippet string    `json:"payload_snippet"`
	ErrorCode      string    `json:"error_code"`
	Attempts       int       `json:"attempts"`
	NextRetryAt    time.Time `json:"next_retry_at"`
}

// IdempotencyKey derives a stable entry key from the event's identifying
// parts. Same parts, same key, so replays collapse in consumer dedup.
func IdempotencyKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
