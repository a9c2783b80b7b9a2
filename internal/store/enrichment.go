package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Enrichments is the single write path for post enrichments. Every write is
// an upsert on (post_id, kind); the version column increments on each write
// so consumers can order runs.
type Enrichments struct {
	pool *pgxpool.Pool
}

// NewEnrichments wraps the pool.
func NewEnrichments(pool *pgxpool.Pool) *Enrichments {
	return &Enrichments{pool: pool}
}

// UpsertParams carries one write. ParamsHash may be empty: the upsert
// COALESCEs it with the existing value, so a caller that does not supply a
// hash never erases one.
type UpsertParams struct {
	PostID     string
	Kind       string
	Provider   string
	Data       any
	Status     string
	Error      string
	ParamsHash string
}

// Upsert writes one enrichment row and returns the stored version. For the
// vision and tags kinds it also synchronizes the legacy scalar columns on
// posts so pre-pipeline consumers keep working.
func (e *Enrichments) Upsert(ctx context.Context, p UpsertParams) (int64, error) {
	if p.Status == "" {
		p.Status = StatusOK
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return 0, faults.BadInput("encode_enrichment", err)
	}
	var paramsHash *string
	if p.ParamsHash != "" {
		paramsHash = &p.ParamsHash
	}
	var errText *string
	if p.Error != "" {
		errText = &p.Error
	}

	var version int64
	err = e.pool.QueryRow(ctx, `
		INSERT INTO post_enrichment (post_id, kind, provider, params_hash, data, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (post_id, kind) DO UPDATE SET
			provider    = EXCLUDED.provider,
			params_hash = COALESCE(EXCLUDED.params_hash, post_enrichment.params_hash),
			data        = EXCLUDED.data,
			status      = EXCLUDED.status,
			error       = EXCLUDED.error,
			version     = post_enrichment.version + 1,
			updated_at  = NOW()
		RETURNING version`,
		p.PostID, p.Kind, p.Provider, paramsHash, data, p.Status, errText).Scan(&version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The conflict target covers the composite key; hitting this
			// means a schema drift bug, not an expected race.
			return 0, faults.Integrity("enrichment_conflict", err)
		}
		return 0, faults.Transientf("upsert_enrichment", err)
	}

	if p.Kind == KindVision || p.Kind == KindTags {
		if err := e.syncLegacyColumns(ctx, p.PostID, p.Kind, data); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// syncLegacyColumns mirrors a few fields onto posts. Tags arrive as a JSON
// string array and land in the text[] column.
func (e *Enrichments) syncLegacyColumns(ctx context.Context, postID, kind string, data []byte) error {
	switch kind {
	case KindVision:
		var v struct {
			Description    string `json:"description"`
			Classification string `json:"classification"`
			OCR            struct {
				Text string `json:"text"`
			} `json:"ocr"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return faults.BadInput("vision_data_shape", err)
		}
		_, err := e.pool.Exec(ctx, `
			UPDATE posts SET vision_description = $2, vision_classification = $3, ocr_text = $4
			WHERE id = $1`,
			postID, v.Description, v.Classification, v.OCR.Text)
		if err != nil {
			return faults.Transientf("sync_vision_columns", err)
		}
	case KindTags:
		var v struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return faults.BadInput("tags_data_shape", err)
		}
		_, err := e.pool.Exec(ctx,
			`UPDATE posts SET tags = $2 WHERE id = $1`, postID, v.Tags)
		if err != nil {
			return faults.Transientf("sync_tags_column", err)
		}
	}
	return nil
}

// Get loads one enrichment row; found is false when none exists.
func (e *Enrichments) Get(ctx context.Context, postID, kind string) (Enrichment, bool, error) {
	var (
		row        Enrichment
		paramsHash *string
		errText    *string
	)
	err := e.pool.QueryRow(ctx, `
		SELECT post_id, kind, provider, params_hash, data, status, error, version, updated_at
		FROM post_enrichment WHERE post_id = $1 AND kind = $2`,
		postID, kind).Scan(&row.PostID, &row.Kind, &row.Provider, &paramsHash,
		&row.Data, &row.Status, &errText, &row.Version, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrichment{}, false, nil
	}
	if err != nil {
		return Enrichment{}, false, faults.Transientf("get_enrichment", err)
	}
	if paramsHash != nil {
		row.ParamsHash = *paramsHash
	}
	if errText != nil {
		row.Error = *errText
	}
	return row, true, nil
}

// ListLatest returns every enrichment row of a post.
func (e *Enrichments) ListLatest(ctx context.Context, postID string) ([]Enrichment, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT post_id, kind, provider, COALESCE(params_hash, ''), data, status,
		       COALESCE(error, ''), version, updated_at
		FROM post_enrichment WHERE post_id = $1 ORDER BY kind`, postID)
	if err != nil {
		return nil, faults.Transientf("list_enrichments", err)
	}
	defer rows.Close()

	var out []Enrichment
	for rows.Next() {
		var row Enrichment
		if err := rows.Scan(&row.PostID, &row.Kind, &row.Provider, &row.ParamsHash,
			&row.Data, &row.Status, &row.Error, &row.Version, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ComputeParamsHash produces the stable hash of (model, version, inputs):
// canonical JSON (sorted keys, no insignificant whitespace), then SHA-256
// hex. Two processes hashing the same inputs get byte-identical results.
func ComputeParamsHash(model, version string, inputs map[string]any) string {
	var b strings.Builder
	b.WriteString(`{"inputs":`)
	b.WriteString(canonicalJSON(inputs))
	b.WriteString(`,"model":`)
	b.WriteString(canonicalJSON(model))
	b.WriteString(`,"version":`)
	b.WriteString(canonicalJSON(version))
	b.WriteString(`}`)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes v with object keys sorted at every level.
func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
		return string(out)
	}
}
