// Package embedding turns text into fixed-length vectors through a pluggable
// provider. Every provider failure wraps apperr.ErrEmbeddingUnavailable.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string        `json:"provider"` // "api", "local" or "hash"
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	Dimension int           `json:"dimension"`
	Timeout   time.Duration `json:"timeout"`
	CacheSize int64         `json:"cache_size"` // cached vectors, 0 disables the cache
}

// New builds the configured provider, wrapped in a cache when CacheSize > 0.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "api", "openai":
		p = NewAPIProvider(cfg)
	case "local", "ollama":
		p = NewLocalProvider(cfg)
	case "hash", "":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()))

	if cfg.CacheSize <= 0 {
		return p, nil
	}
	return NewCachedProvider(p, cfg.CacheSize)
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding: got %d vectors for one text: %w", len(vecs), apperr.ErrEmbeddingUnavailable)
	}
	return vecs[0], nil
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("embedding: "+format+": %w", append(args, apperr.ErrEmbeddingUnavailable)...)
}
