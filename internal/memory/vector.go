package memory

import (
	"context"
	"math"

	"github.com/nidhogg/recall/internal/model"
)

// VectorIndex is an optional approximate candidate source for Search. The
// index always re-scores candidates exactly, so a VectorIndex only needs to
// return ids that are likely near the query.
type VectorIndex interface {
	Upsert(ctx context.Context, item *model.MemoryItem) error
	Delete(ctx context.Context, userID string, ids []string) error
	Query(ctx context.Context, userID string, vector []float32, k int, kinds []model.Kind) ([]string, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Centroid returns the normalized mean of vectors of equal length.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	out := make([]float32, dim)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range sum {
		out[i] = float32(x / norm)
	}
	return out
}
