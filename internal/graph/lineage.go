// Package graph records memory lineage in Neo4j: which episodic items were
// merged into which semantic item, what was promoted or pruned, and which
// memories are related.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Lineage writes memory lineage to Neo4j.
type Lineage struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewLineage creates a lineage recorder. Call EnsureSchema before first use.
func NewLineage(cfg Config, logger *zap.Logger) (*Lineage, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Lineage{driver: driver, database: cfg.Database, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (l *Lineage) Close(ctx context.Context) error {
	return l.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (l *Lineage) Ping(ctx context.Context) error {
	return l.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint and user index.
func (l *Lineage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE INDEX memory_user IF NOT EXISTS FOR (m:Memory) ON (m.user_id)`,
	} {
		if err := l.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure lineage schema: %w", err)
		}
	}
	return nil
}

// RecordMerge marks sources as merged into target.
func (l *Lineage) RecordMerge(ctx context.Context, userID, target, summary string, sources []string) error {
	err := l.write(ctx,
		`MERGE (t:Memory {id: $target})
		 SET t.user_id = $userId, t.kind = 'semantic', t.state = 'active',
		     t.summary = $summary, t.updated_at = datetime()
		 WITH t
		 UNWIND $sources AS sid
		 MERGE (s:Memory {id: sid})
		 SET s.user_id = $userId, s.state = 'merged', s.ended_at = datetime()
		 MERGE (s)-[:MERGED_INTO]->(t)`,
		map[string]any{
			"target":  target,
			"userId":  userID,
			"summary": summary,
			"sources": sources,
		})
	if err != nil {
		return fmt.Errorf("record merge %s: %w", target, err)
	}
	l.logger.Debug("lineage merge recorded", zap.String("target", target), zap.Int("sources", len(sources)))
	return nil
}

// RecordPromote marks an episodic item as promoted to semantic in place.
func (l *Lineage) RecordPromote(ctx context.Context, userID, id, summary string) error {
	err := l.write(ctx,
		`MERGE (m:Memory {id: $id})
		 SET m.user_id = $userId, m.kind = 'semantic', m.state = 'active',
		     m.summary = $summary, m.promoted_at = datetime()`,
		map[string]any{"id": id, "userId": userID, "summary": summary})
	if err != nil {
		return fmt.Errorf("record promote %s: %w", id, err)
	}
	return nil
}

// RecordPrune marks items as pruned. Their lineage edges are kept.
func (l *Lineage) RecordPrune(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := l.write(ctx,
		`UNWIND $ids AS mid
		 MERGE (m:Memory {id: mid})
		 SET m.user_id = $userId, m.state = 'pruned', m.ended_at = datetime()`,
		map[string]any{"ids": ids, "userId": userID})
	if err != nil {
		return fmt.Errorf("record prune: %w", err)
	}
	return nil
}

// RecordRelated links two memories with their similarity.
func (l *Lineage) RecordRelated(ctx context.Context, userID, a, b string, similarity float64) error {
	err := l.write(ctx,
		`MERGE (x:Memory {id: $a}) SET x.user_id = $userId
		 MERGE (y:Memory {id: $b}) SET y.user_id = $userId
		 MERGE (x)-[r:RELATED_TO]-(y)
		 SET r.similarity = $sim, r.updated_at = datetime()`,
		map[string]any{"a": a, "b": b, "userId": userID, "sim": similarity})
	if err != nil {
		return fmt.Errorf("record related %s-%s: %w", a, b, err)
	}
	return nil
}

// Ancestry returns every item that was merged, directly or transitively,
// into id, sorted by id.
func (l *Lineage) Ancestry(ctx context.Context, id string) ([]string, error) {
	session := l.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Memory)-[:MERGED_INTO*1..]->(t:Memory {id: $id})
		 RETURN DISTINCT s.id AS id ORDER BY id`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("ancestry %s: %w", id, err)
	}
	var ids []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("ancestry %s: %w", id, err)
	}
	return ids, nil
}

// Related returns the ids linked to id by RELATED_TO, most similar first.
func (l *Lineage) Related(ctx context.Context, id string) ([]string, error) {
	session := l.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Memory {id: $id})-[r:RELATED_TO]-(o:Memory)
		 RETURN o.id AS id ORDER BY r.similarity DESC, id`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("related %s: %w", id, err)
	}
	var ids []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, result.Err()
}

// DeleteUser removes every lineage node of a user.
func (l *Lineage) DeleteUser(ctx context.Context, userID string) error {
	err := l.write(ctx,
		`MATCH (m:Memory {user_id: $userId}) DETACH DELETE m`,
		map[string]any{"userId": userID})
	if err != nil {
		return fmt.Errorf("delete lineage for %s: %w", userID, err)
	}
	return nil
}

func (l *Lineage) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return l.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: l.database})
}

func (l *Lineage) write(ctx context.Context, cypher string, params map[string]any) error {
	session := l.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}
