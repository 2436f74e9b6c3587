package vectorstore

import (
	"context"
	"sync"

	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

const defaultCollection = "recall_memories"

// QdrantIndex serves memory search candidates from a single Qdrant
// collection partitioned by the user_id payload field.
type QdrantIndex struct {
	client     *Client
	collection string
	logger     *zap.Logger

	mu      sync.Mutex
	ensured bool
}

// NewQdrantIndex dials Qdrant. The collection is created on first upsert,
// once the vector dimension is known.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Collection
	if name == "" {
		name = defaultCollection
	}
	return &QdrantIndex{client: client, collection: name, logger: logger}, nil
}

// Upsert indexes an item's embedding with its owner and kind as payload.
func (q *QdrantIndex) Upsert(ctx context.Context, item *model.MemoryItem) error {
	if err := q.ensure(ctx, len(item.Embedding)); err != nil {
		return err
	}
	return q.client.Upsert(ctx, q.collection, item.ID, item.Embedding, map[string]string{
		"user_id": item.UserID,
		"kind":    string(item.Kind),
	})
}

// Delete drops items from the collection.
func (q *QdrantIndex) Delete(ctx context.Context, userID string, ids []string) error {
	if !q.isEnsured() {
		return nil
	}
	return q.client.Delete(ctx, q.collection, ids)
}

// Query returns up to k ids of the user's items nearest to vector.
func (q *QdrantIndex) Query(ctx context.Context, userID string, vector []float32, k int, kinds []model.Kind) ([]string, error) {
	if err := q.ensure(ctx, len(vector)); err != nil {
		return nil, err
	}
	matches := []Match{{Field: "user_id", Values: []string{userID}}}
	if len(kinds) > 0 {
		values := make([]string, len(kinds))
		for i, k := range kinds {
			values[i] = string(k)
		}
		matches = append(matches, Match{Field: "kind", Values: values})
	}
	results, err := q.client.Search(ctx, q.collection, vector, uint64(k), matches...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func (q *QdrantIndex) ensure(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	if err := q.client.EnsureCollection(ctx, q.collection, uint64(dim), "user_id", "kind"); err != nil {
		return err
	}
	q.ensured = true
	q.logger.Info("qdrant collection ready",
		zap.String("collection", q.collection),
		zap.Int("dimension", dim))
	return nil
}

func (q *QdrantIndex) isEnsured() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ensured
}
