// Package media is the content-addressed store for Telegram media and the
// derivative JSON artifacts (vision summaries, crawl snapshots). Objects are
// keyed by the SHA-256 of their bytes; identical uploads share one object.
package media

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/objectstore"
)

// ErrReferenced is returned by Delete while any post still references the
// object.
var ErrReferenced = errors.New("media: object still referenced")

// PutResult identifies a stored blob.
type PutResult struct {
	SHA256 string
	Key    string
	Size   int64
}

// UsageTracker is the cached per-tenant byte counter the quota check reads.
// The Redis-backed implementation lives in faststore.
type UsageTracker interface {
	Bytes(ctx context.Context, tenant string) (int64, error)
	Add(ctx context.Context, tenant string, delta int64) error
}

// CAS wraps an ObjectStore with content addressing, per-tenant quota and
// gzip JSON artifact helpers.
type CAS struct {
	store      objectstore.ObjectStore
	usage      UsageTracker
	quotaBytes int64
	reclaim    func(ctx context.Context) error
}

// SetReclaimer installs the emergency sweep invoked when an upload hits the
// quota; it should free unreferenced objects so the re-check can pass.
func (c *CAS) SetReclaimer(fn func(ctx context.Context) error) {
	c.reclaim = fn
}

// NewCAS builds the store. quotaGB bounds each tenant's media bytes; the
// check uses the cached usage counter, so enforcement drifts by at most the
// volume uploaded between quota sweeps.
func NewCAS(store objectstore.ObjectStore, usage UsageTracker, quotaGB float64) *CAS {
	return &CAS{
		store:      store,
		usage:      usage,
		quotaBytes: int64(quotaGB * float64(1<<30)),
	}
}

// SHA256Hex returns the lowercase hex digest used as the content address.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under its content address. Re-uploading identical bytes is
// a head-then-put no-op that still returns success. Exceeding the tenant
// quota returns a quota_exceeded policy denial.
func (c *CAS) Put(ctx context.Context, tenant string, data []byte, mime string) (PutResult, error) {
	sha := SHA256Hex(data)
	key := ObjectKey(tenant, sha, ExtForMIME(mime))
	res := PutResult{SHA256: sha, Key: key, Size: int64(len(data))}

	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return res, faults.Transientf("media_head", err)
	}
	if exists {
		return res, nil
	}

	used, err := c.usage.Bytes(ctx, tenant)
	if err != nil {
		return res, faults.Transientf("usage_read", err)
	}
	if c.quotaBytes > 0 && used+int64(len(data)) > c.quotaBytes {
		// Emergency path: drop unreferenced objects, then re-check once.
		if c.reclaim != nil {
			if rerr := c.reclaim(ctx); rerr == nil {
				used, err = c.usage.Bytes(ctx, tenant)
				if err != nil {
					return res, faults.Transientf("usage_read", err)
				}
			}
		}
		if used+int64(len(data)) > c.quotaBytes {
			metrics.MediaQuotaDenied.Inc()
			return res, faults.Denied("quota_exceeded")
		}
	}

	if _, err := c.store.Put(ctx, key, bytes.NewReader(data), objectstore.PutOptions{
		ContentType: mime,
	}); err != nil {
		return res, faults.Transientf("media_put", err)
	}
	metrics.MediaBytesStored.Add(float64(len(data)))
	if err := c.usage.Add(ctx, tenant, int64(len(data))); err != nil {
		// Usage drift is reconciled by the sweep; do not fail the upload.
		_ = err
	}
	return res, nil
}

// Head reports existence and size.
func (c *CAS) Head(ctx context.Context, key string) (bool, int64, error) {
	attrs, err := c.store.Head(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, attrs.Size, nil
}

// Get returns the object bytes.
func (c *CAS) Get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes an object. refsCount is the owning media_objects row's
// reference count; any live reference blocks the delete.
func (c *CAS) Delete(ctx context.Context, tenant, key string, refsCount int64) error {
	if refsCount != 0 {
		return fmt.Errorf("%w: %s refs=%d", ErrReferenced, key, refsCount)
	}
	attrs, err := c.store.Head(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	return c.usage.Add(ctx, tenant, -attrs.Size)
}

// PutJSON stores value as gzipped JSON under key. Used for vision and crawl
// artifacts and assembled album summaries.
func (c *CAS) PutJSON(ctx context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return faults.BadInput("encode_artifact", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = c.store.Put(ctx, key, &buf, objectstore.PutOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
	return err
}

// GetJSON loads a (possibly gzipped) JSON artifact into out. found is false
// when the key does not exist.
func (c *CAS) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	rc, attrs, err := c.store.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if attrs.ContentEncoding == "gzip" {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return false, err
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, out)
}

// TenantBytes lists a tenant's media prefix and sums object sizes. Used by
// the quota sweep to reconcile the cached counter.
func (c *CAS) TenantBytes(ctx context.Context, tenant string) (int64, error) {
	var total int64
	token := ""
	for {
		res, err := c.store.List(ctx, objectstore.ListOptions{
			Prefix:            TenantPrefix(tenant),
			MaxKeys:           1000,
			ContinuationToken: token,
		})
		if err != nil {
			return 0, err
		}
		for _, obj := range res.Objects {
			total += obj.Size
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			return total, nil
		}
		token = res.NextContinuationToken
	}
}
