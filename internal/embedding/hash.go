package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/nidhogg/recall/internal/tokenizer"
)

const defaultHashDimension = 256

// HashProvider is a deterministic, offline provider. Each word is hashed
// into a signed bucket so texts sharing vocabulary get similar vectors.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash provider. dim <= 0 selects 256.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashProvider{dimension: dim}
}

// Embed returns one unit vector per text.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("hash embed: %v", err)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimension returns the vector length.
func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dimension)
	words := tokenizer.Words(text)
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	if len(words) == 0 {
		// No words: derive a stable pseudo-random vector from the raw text.
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
