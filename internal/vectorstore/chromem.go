package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/recall/internal/model"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemIndex is an embedded, in-process candidate source with one
// chromem-go collection per user.
type ChromemIndex struct {
	db          *chromem.DB
	logger      *zap.Logger
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex creates an empty embedded index.
func NewChromemIndex(logger *zap.Logger) *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}
}

func (c *ChromemIndex) collection(userID string, create bool) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[userID]
	c.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[userID]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func is configured.
	col, err := c.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection for %s: %w", userID, err)
	}
	c.collections[userID] = col
	return col, nil
}

// Upsert adds or replaces an item's document.
func (c *ChromemIndex) Upsert(ctx context.Context, item *model.MemoryItem) error {
	col, err := c.collection(item.UserID, true)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        item.ID,
		Content:   item.Summary,
		Embedding: append([]float32(nil), item.Embedding...),
		Metadata:  map[string]string{"kind": string(item.Kind)},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w", item.ID, err)
	}
	return nil
}

// Delete removes documents by id.
func (c *ChromemIndex) Delete(ctx context.Context, userID string, ids []string) error {
	col, _ := c.collection(userID, false)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// Query returns up to k ids nearest to vector within the user's collection.
func (c *ChromemIndex) Query(ctx context.Context, userID string, vector []float32, k int, kinds []model.Kind) ([]string, error) {
	col, _ := c.collection(userID, false)
	if col == nil {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size.
	n := k
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	var where map[string]string
	allow := make(map[string]bool, len(kinds))
	for _, kd := range kinds {
		allow[string(kd)] = true
	}
	if len(kinds) == 1 {
		where = map[string]string{"kind": string(kinds[0])}
	}

	results, err := col.QueryEmbedding(ctx, append([]float32(nil), vector...), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if len(allow) > 0 && !allow[r.Metadata["kind"]] {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
