package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type postStore interface {
	MediaForPost(ctx context.Context, postID string) ([]store.MediaObject, error)
	GroupForPost(ctx context.Context, postID string) (store.MediaGroup, bool, error)
	SiblingIDs(ctx context.Context, channelID, groupedID int64) ([]string, error)
}

// Dispatcher consumes posts.parsed and feeds the media pipeline: it emits
// posts.vision.uploaded for posts with media and albums.parsed for album
// members. Album facts come from the database, so a sighting always reflects
// every batch seen so far, not just the current one.
type Dispatcher struct {
	posts     postStore
	publisher bus.Publisher
}

// NewDispatcher wires the stage.
func NewDispatcher(posts postStore, publisher bus.Publisher) *Dispatcher {
	return &Dispatcher{posts: posts, publisher: publisher}
}

// Handle processes one posts.parsed delivery.
func (dp *Dispatcher) Handle(ctx context.Context, d bus.Delivery) error {
	var ev events.PostParsed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_parsed", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("posts_parsed_shape", errors.New("post_id required"))
	}

	if ev.HasMedia {
		media, err := dp.posts.MediaForPost(ctx, ev.PostID)
		if err != nil {
			return err
		}
		files := make([]events.MediaFile, 0, len(media))
		for _, m := range media {
			files = append(files, events.MediaFile{
				SHA256:    m.SHA256,
				Key:       m.ObjectKey,
				MIME:      m.MIME,
				SizeBytes: m.SizeBytes,
			})
		}
		if len(files) > 0 {
			out := events.VisionUploaded{
				PostID:     ev.PostID,
				TenantID:   ev.TenantID,
				MediaFiles: files,
				UploadedAt: time.Now().UTC(),
			}
			if _, err := dp.publisher.Publish(ctx, events.StreamVisionUploaded, events.Envelope{
				IdempotencyKey: events.IdempotencyKey(events.StreamVisionUploaded, ev.PostID),
				TenantID:       ev.TenantID,
			}, out); err != nil {
				return err
			}
		}
	}

	if ev.GroupedID != 0 {
		group, found, err := dp.posts.GroupForPost(ctx, ev.PostID)
		if err != nil {
			return err
		}
		if found {
			postIDs, err := dp.posts.SiblingIDs(ctx, group.ChannelID, group.GroupedID)
			if err != nil {
				return err
			}
			out := events.AlbumParsed{
				GroupID:    group.ID,
				TenantID:   group.TenantID,
				ChannelID:  group.ChannelID,
				GroupedID:  group.GroupedID,
				ItemsCount: group.ItemsCount,
				PostIDs:    postIDs,
			}
			// The idempotency key includes the count so a grown album gets a
			// fresh sighting through consumer-side dedup.
			if _, err := dp.publisher.Publish(ctx, events.StreamAlbumsParsed, events.Envelope{
				IdempotencyKey: events.IdempotencyKey(events.StreamAlbumsParsed, group.ID,
					strconv.Itoa(group.ItemsCount)),
				TenantID: group.TenantID,
			}, out); err != nil {
				return err
			}
		}
	}
	return nil
}
