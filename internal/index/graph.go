package index

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ilyasni/telegram-assistant/internal/config"
)

// Graph is the write side of the topic graph. The production implementation
// is GraphStore; MemoryGraph backs the tests.
type Graph interface {
	IndexPost(ctx context.Context, p GraphPost) error
}

// GraphStore maintains the topic graph in Neo4j: (Post), (Topic), (Album)
// and (Channel) nodes with HAS_TOPIC, CONTAINS, HAS_ALBUM edges, plus
// RELATED_TO similarity edges between co-occurring topics.
type GraphStore struct {
	driver neo4j.DriverWithContext
}

// NewGraphStore connects the driver.
func NewGraphStore(ctx context.Context, cfg config.Neo4jConfig) (*GraphStore, error) {
	username := cfg.Username
	if username == "" {
		username = "neo4j"
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &GraphStore{driver: driver}, nil
}

// Close shuts the driver down.
func (g *GraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// GraphPost is the node-level view of one enriched post.
type GraphPost struct {
	PostID    string
	TenantID  string
	ChannelID int64
	AlbumID   string
	Topics    []string
	IsMeme    bool
	PostedAt  string
}

// IndexPost merges the post's nodes and edges. All writes run in one
// explicit transaction so re-consuming the event is a clean overwrite.
func (g *GraphStore) IndexPost(ctx context.Context, p GraphPost) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (p:Post {id: $post_id})
			SET p.tenant_id = $tenant_id, p.is_meme = $is_meme, p.posted_at = $posted_at
			MERGE (c:Channel {id: $channel_id})
			MERGE (c)-[:CONTAINS]->(p)`,
			map[string]any{
				"post_id":    p.PostID,
				"tenant_id":  p.TenantID,
				"is_meme":    p.IsMeme,
				"posted_at":  p.PostedAt,
				"channel_id": p.ChannelID,
			})
		if err != nil {
			return nil, err
		}

		for _, topic := range p.Topics {
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post_id})
				MERGE (t:Topic {name: $name})
				MERGE (p)-[:HAS_TOPIC]->(t)`,
				map[string]any{"post_id": p.PostID, "name": topic}); err != nil {
				return nil, err
			}
		}

		if p.AlbumID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post_id})
				MERGE (a:Album {id: $album_id})
				SET a.tenant_id = $tenant_id
				MERGE (p)-[:HAS_ALBUM]->(a)`,
				map[string]any{
					"post_id":   p.PostID,
					"album_id":  p.AlbumID,
					"tenant_id": p.TenantID,
				}); err != nil {
				return nil, err
			}
		}

		// Topic co-occurrence: each pair bumps the edge weight; similarity
		// is derived as 0.5 + 0.1 * weight, clamped to 1.0.
		for i := 0; i < len(p.Topics); i++ {
			for j := i + 1; j < len(p.Topics); j++ {
				if _, err := tx.Run(ctx, `
					MATCH (a:Topic {name: $a}), (b:Topic {name: $b})
					MERGE (a)-[r:RELATED_TO]-(b)
					ON CREATE SET r.weight = 1
					ON MATCH SET r.weight = r.weight + 1
					SET r.similarity = CASE WHEN 0.5 + 0.1 * r.weight > 1.0
					                        THEN 1.0 ELSE 0.5 + 0.1 * r.weight END`,
					map[string]any{"a": p.Topics[i], "b": p.Topics[j]}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	return err
}
