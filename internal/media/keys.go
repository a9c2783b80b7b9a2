package media

import "fmt"

// Object key layout. The two-character sha prefix distributes keys across
// partitions.
//
//	media/{tenant}/{sha256[:2]}/{sha256}.{ext}
//	vision/{tenant}/{sha256}_{provider}_{model}_v{schema}.json
//	crawl/{tenant}/{hash[:2]}/{hash}.{html|json}
//	album/{tenant}/{album_id}_vision_summary_v{schema}.json

// ObjectKey returns the CAS key for a media blob.
func ObjectKey(tenant, sha256, ext string) string {
	return fmt.Sprintf("media/%s/%s/%s.%s", tenant, sha256[:2], sha256, ext)
}

// VisionCacheKey returns the artifact key for one media object's vision run.
func VisionCacheKey(tenant, sha256, provider, model string, schema int) string {
	return fmt.Sprintf("vision/%s/%s_%s_%s_v%d.json", tenant, sha256, provider, model, schema)
}

// CrawlKey returns the artifact key for a crawled page snapshot.
func CrawlKey(tenant, hash, ext string) string {
	return fmt.Sprintf("crawl/%s/%s/%s.%s", tenant, hash[:2], hash, ext)
}

// AlbumSummaryKey returns the artifact key for an assembled album summary.
func AlbumSummaryKey(tenant, albumID string, schema int) string {
	return fmt.Sprintf("album/%s/%s_vision_summary_v%d.json", tenant, albumID, schema)
}

// TenantPrefix is the listing prefix covering one tenant's media blobs.
func TenantPrefix(tenant string) string {
	return fmt.Sprintf("media/%s/", tenant)
}

// extByMIME maps the MIME types we store to canonical extensions.
var extByMIME = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"application/pdf": "pdf",
}

// ExtForMIME returns the extension for a MIME type, "bin" when unknown.
func ExtForMIME(mime string) string {
	if ext, ok := extByMIME[mime]; ok {
		return ext
	}
	return "bin"
}
