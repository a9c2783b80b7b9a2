package store

import (
	"encoding/json"
	"time"
)

// Post is one Telegram message row.
type Post struct {
	ID              string
	ChannelID       int64
	TenantID        string
	MessageSeq      int64
	Text            string
	PostedAt        time.Time
	GroupedID       int64 // 0 when the post is not part of an album
	HasMedia        bool
	TelegramPostURL string
}

// MediaObject is one content-addressed blob row.
type MediaObject struct {
	SHA256      string
	MIME        string
	SizeBytes   int64
	ObjectKey   string
	Bucket      string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	RefsCount   int64
}

// MediaGroup is one Telegram album row.
type MediaGroup struct {
	ID         string
	TenantID   string
	ChannelID  int64
	GroupedID  int64
	ItemsCount int
	AlbumKind  string
	Meta       json.RawMessage
}

// GroupItem is one album member with its display position.
type GroupItem struct {
	GroupID  string
	Position int
	PostID   string
	SHA256   string
}

// Enrichment is one (post_id, kind) row.
type Enrichment struct {
	PostID     string
	Kind       string
	Provider   string
	ParamsHash string
	Data       json.RawMessage
	Status     string
	Error      string
	Version    int64
	UpdatedAt  time.Time
}

// Enrichment kinds.
const (
	KindVision  = "vision"
	KindTags    = "tags"
	KindCrawl   = "crawl"
	KindGeneral = "general"
)

// Enrichment statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Forward, Reaction and Reply are the optional per-post side records. Their
// content model is intentionally thin; only the natural keys matter for
// idempotency.
type Forward struct {
	FromChannelID  int64     `json:"from_channel_id"`
	FromMessageSeq int64     `json:"from_message_seq"`
	ForwardedAt    time.Time `json:"forwarded_at"`
}

type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

type Reply struct {
	ReplyMessageSeq int64     `json:"reply_message_seq"`
	ReplyText       string    `json:"reply_text"`
	RepliedAt       time.Time `json:"replied_at"`
}
