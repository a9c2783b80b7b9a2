package index

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ilyasni/telegram-assistant/internal/config"
)

// Vectors is the write side of the vector index. The production
// implementation is VectorStore; MemoryVectors backs the tests.
type Vectors interface {
	UpsertPost(ctx context.Context, tenant, postID string, vector []float32, payload map[string]any) (string, error)
}

// VectorStore writes post points into per-tenant Qdrant collections named
// user_{tenant}_channels. Collections are created lazily on first write.
type VectorStore struct {
	client    *qdrant.Client
	dimension int
	metric    string

	mu      sync.Mutex
	ensured map[string]bool
}

// NewVectorStore connects to Qdrant. The Go client speaks the gRPC API
// (port 6334 by default); an api_key query parameter on the DSN is honored.
func NewVectorStore(cfg config.QdrantConfig) (*VectorStore, error) {
	parsedURL, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsedURL.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &VectorStore{
		client:    client,
		dimension: cfg.Dimensions,
		metric:    strings.ToLower(strings.TrimSpace(cfg.Metric)),
		ensured:   map[string]bool{},
	}, nil
}

// CollectionFor names a tenant's collection.
func CollectionFor(tenant string) string {
	return "user_" + tenant + "_channels"
}

func (v *VectorStore) ensureCollection(ctx context.Context, collection string) error {
	v.mu.Lock()
	done := v.ensured[collection]
	v.mu.Unlock()
	if done {
		return nil
	}

	exists, err := v.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		var distance qdrant.Distance
		switch v.metric {
		case "l2", "euclidean":
			distance = qdrant.Distance_Euclid
		case "ip", "dot":
			distance = qdrant.Distance_Dot
		default: // cosine
			distance = qdrant.Distance_Cosine
		}
		err = v.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(v.dimension),
				Distance: distance,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	v.mu.Lock()
	v.ensured[collection] = true
	v.mu.Unlock()
	return nil
}

// PointID derives the vector point id from the post id: UUIDs pass through,
// anything else is hashed into one, so re-consuming the event overwrites
// instead of duplicating.
func PointID(postID string) string {
	if _, err := uuid.Parse(postID); err == nil {
		return postID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(postID)).String()
}

// UpsertPost writes one post point.
func (v *VectorStore) UpsertPost(ctx context.Context, tenant, postID string, vector []float32, payload map[string]any) (string, error) {
	collection := CollectionFor(tenant)
	if err := v.ensureCollection(ctx, collection); err != nil {
		return "", err
	}

	pointID := PointID(postID)
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(pointID),
				Vectors: qdrant.NewVectorsDense(vector),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("qdrant upsert: %w", err)
	}
	return pointID, nil
}

// Close releases the gRPC connection.
func (v *VectorStore) Close() error {
	return v.client.Close()
}
