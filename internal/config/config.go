package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/engine"
	"github.com/nidhogg/recall/internal/graph"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/provider"
	"github.com/nidhogg/recall/internal/retrieval"
	"github.com/nidhogg/recall/internal/store"
	"github.com/nidhogg/recall/internal/vectorstore"
	"github.com/nidhogg/recall/internal/window"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "configs/recall.json"

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Storage       StorageConfig       `json:"storage"`
	Providers     []ProviderConfig    `json:"providers"`
	Reasoner      ReasonerConfig      `json:"reasoner"`
	Embedding     EmbeddingConfig     `json:"embedding"`
	VectorStore   VectorStoreConfig   `json:"vector_store"`
	Database      DatabaseConfig      `json:"database"`
	Conversation  ConversationConfig  `json:"conversation"`
	Memory        MemoryConfig        `json:"memory"`
	Retrieval     RetrievalConfig     `json:"retrieval"`
	Window        WindowConfig        `json:"window"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Engine        EngineConfig        `json:"engine"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type StorageConfig struct {
	Driver     string `json:"driver"` // "postgres", "sqlite" or "memory"
	DSN        string `json:"dsn"`
	SQLitePath string `json:"sqlite_path"`
}

type ProviderConfig struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Endpoint  string   `json:"endpoint"`
	APIKey    string   `json:"api_key"`
	Model     string   `json:"model"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

type ReasonerConfig struct {
	Default   string            `json:"default"`
	Bindings  map[string]string `json:"bindings,omitempty"`  // purpose -> provider id
	Fallbacks []string          `json:"fallbacks,omitempty"` // tried in order for the chat purpose
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider"`
	Endpoint  string   `json:"endpoint"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	Dimension int      `json:"dimension"`
	Timeout   Duration `json:"timeout"`
	CacheSize int64    `json:"cache_size"`
}

type VectorStoreConfig struct {
	Backend string       `json:"backend"` // "qdrant", "chromem" or "" for brute force
	Qdrant  QdrantConfig `json:"qdrant"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type DatabaseConfig struct {
	Neo4j Neo4jConfig `json:"neo4j"`
	Redis RedisConfig `json:"redis"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type ConversationConfig struct {
	MaxMessagesPerConversation int      `json:"max_messages_per_conversation"`
	MaxBytesPerConversation    int      `json:"max_bytes_per_conversation"`
	MaxMessagesTotal           int      `json:"max_messages_total"`
	MaxBytesTotal              int      `json:"max_bytes_total"`
	InactiveAfter              Duration `json:"inactive_after"` // 0 keeps conversations forever
	CleanupSchedule            string   `json:"cleanup_schedule"`
}

type MemoryConfig struct {
	DecayBase       float64  `json:"decay_base"`
	DecayInterval   Duration `json:"decay_interval"`
	MinSimilarity   float64  `json:"min_similarity"`
	PruneThreshold  float64  `json:"prune_threshold"`
	RetentionWindow Duration `json:"retention_window"`
	CandidateFactor int      `json:"candidate_factor"`
}

type RetrievalConfig struct {
	WeightSimilarity float64  `json:"weight_similarity"`
	WeightDecay      float64  `json:"weight_decay"`
	WeightRecency    float64  `json:"weight_recency"`
	RecencyHalfLife  Duration `json:"recency_half_life"`
	MaxCandidates    int      `json:"max_candidates"`
}

type WindowConfig struct {
	ReserveFraction float64  `json:"reserve_fraction"`
	DefaultOverlap  int      `json:"default_overlap"`
	MaxOverlap      int      `json:"max_overlap"`
	MaxTailMessages int      `json:"max_tail_messages"`
	Timeout         Duration `json:"timeout"`
}

type ConsolidationConfig struct {
	Schedule          string   `json:"schedule"`
	MergeThreshold    float64  `json:"merge_threshold"`
	MinContentOverlap float64  `json:"min_content_overlap"`
	PromoteAfter      int      `json:"promote_after"`
	RelatedThreshold  float64  `json:"related_threshold"`
	Workers           int      `json:"workers"`
	TriggerAfter      int      `json:"trigger_after"`
	KeepReports       int      `json:"keep_reports"`
	SummaryMaxChars   int      `json:"summary_max_chars"`
	UserTimeout       Duration `json:"user_timeout"`
}

type EngineConfig struct {
	SystemPrompt    string  `json:"system_prompt"`
	TokenBudget     int     `json:"token_budget"`
	Overlap         *int    `json:"overlap,omitempty"`
	ReasonerPurpose string  `json:"reasoner_purpose"`
	WriteBack       *bool   `json:"write_back,omitempty"`
	MinSalience     float64 `json:"min_salience"`
	SummaryMaxChars int     `json:"summary_max_chars"`
}

// Duration is a time.Duration written as "90s" or "24h" in JSON. Plain
// numbers are read as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		if x == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("duration: unexpected %T", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads .env if present, then the file named by CONFIG_PATH or
// DefaultPath. It returns the path it read.
func LoadFromEnv() (*Config, string, error) {
	_ = godotenv.Load()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse decodes config JSON after environment substitution.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/recall.db"
	}
	if c.Redis().Stream == "" {
		c.Database.Redis.Stream = "recall:events"
	}
	if c.Conversation.CleanupSchedule == "" {
		c.Conversation.CleanupSchedule = "@every 1h"
	}

	cd := conversation.DefaultConfig()
	if c.Conversation.MaxMessagesPerConversation == 0 {
		c.Conversation.MaxMessagesPerConversation = cd.MaxMessagesPerConversation
	}

	md := memory.DefaultConfig()
	if c.Memory.DecayBase == 0 {
		c.Memory.DecayBase = md.Decay.Base
	}
	if c.Memory.DecayInterval.Duration == 0 {
		c.Memory.DecayInterval.Duration = md.Decay.Interval
	}
	if c.Memory.MinSimilarity == 0 {
		c.Memory.MinSimilarity = md.MinSimilarity
	}
	if c.Memory.PruneThreshold == 0 {
		c.Memory.PruneThreshold = md.PruneThreshold
	}
	if c.Memory.RetentionWindow.Duration == 0 {
		c.Memory.RetentionWindow.Duration = md.RetentionWindow
	}
	if c.Memory.CandidateFactor == 0 {
		c.Memory.CandidateFactor = md.CandidateFactor
	}

	rd := retrieval.DefaultConfig()
	if c.Retrieval.WeightSimilarity == 0 && c.Retrieval.WeightDecay == 0 && c.Retrieval.WeightRecency == 0 {
		c.Retrieval.WeightSimilarity = rd.Weights.Similarity
		c.Retrieval.WeightDecay = rd.Weights.Decay
		c.Retrieval.WeightRecency = rd.Weights.Recency
	}
	if c.Retrieval.RecencyHalfLife.Duration == 0 {
		c.Retrieval.RecencyHalfLife.Duration = rd.RecencyHalfLife
	}
	if c.Retrieval.MaxCandidates == 0 {
		c.Retrieval.MaxCandidates = rd.MaxCandidates
	}

	wd := window.DefaultConfig()
	if c.Window.ReserveFraction == 0 {
		c.Window.ReserveFraction = wd.ReserveFraction
	}
	if c.Window.DefaultOverlap == 0 {
		c.Window.DefaultOverlap = wd.DefaultOverlap
	}
	if c.Window.MaxOverlap == 0 {
		c.Window.MaxOverlap = wd.MaxOverlap
	}
	if c.Window.MaxTailMessages == 0 {
		c.Window.MaxTailMessages = wd.MaxTailMessages
	}
	if c.Window.Timeout.Duration == 0 {
		c.Window.Timeout.Duration = wd.DefaultTimeout
	}

	sd := consolidation.DefaultConfig()
	if c.Consolidation.Schedule == "" {
		c.Consolidation.Schedule = sd.Schedule
	}
	if c.Consolidation.MergeThreshold == 0 {
		c.Consolidation.MergeThreshold = sd.MergeThreshold
	}
	if c.Consolidation.MinContentOverlap == 0 {
		c.Consolidation.MinContentOverlap = sd.MinContentOverlap
	}
	if c.Consolidation.PromoteAfter == 0 {
		c.Consolidation.PromoteAfter = sd.PromoteAfter
	}
	if c.Consolidation.RelatedThreshold == 0 {
		c.Consolidation.RelatedThreshold = sd.RelatedThreshold
	}
	if c.Consolidation.Workers == 0 {
		c.Consolidation.Workers = sd.Workers
	}
	if c.Consolidation.TriggerAfter == 0 {
		c.Consolidation.TriggerAfter = sd.TriggerAfter
	}
	if c.Consolidation.KeepReports == 0 {
		c.Consolidation.KeepReports = sd.KeepReports
	}
	if c.Consolidation.SummaryMaxChars == 0 {
		c.Consolidation.SummaryMaxChars = sd.SummaryMaxChars
	}
	if c.Consolidation.UserTimeout.Duration == 0 {
		c.Consolidation.UserTimeout.Duration = sd.UserTimeout
	}

	ed := engine.DefaultConfig()
	if c.Engine.SystemPrompt == "" {
		c.Engine.SystemPrompt = ed.SystemPrompt
	}
	if c.Engine.TokenBudget == 0 {
		c.Engine.TokenBudget = ed.TokenBudget
	}
	if c.Engine.Overlap == nil {
		v := ed.Overlap
		c.Engine.Overlap = &v
	}
	if c.Engine.ReasonerPurpose == "" {
		c.Engine.ReasonerPurpose = ed.ReasonerPurpose
	}
	if c.Engine.WriteBack == nil {
		v := ed.WriteBack
		c.Engine.WriteBack = &v
	}
	if c.Engine.MinSalience == 0 {
		c.Engine.MinSalience = ed.MinSalience
	}
	if c.Engine.SummaryMaxChars == 0 {
		c.Engine.SummaryMaxChars = ed.SummaryMaxChars
	}
	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{{ID: "echo", Type: "echo", Name: "Echo"}}
	}
}

// Redis returns the Redis settings.
func (c *Config) Redis() RedisConfig { return c.Database.Redis }

// StoreConfig returns the persistence backend settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{Driver: c.Storage.Driver, DSN: c.Storage.DSN, SQLitePath: c.Storage.SQLitePath}
}

// ProviderConfigs returns the reasoner provider settings.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = provider.ProviderConfig{
			ID:        p.ID,
			Type:      p.Type,
			Name:      p.Name,
			Endpoint:  p.Endpoint,
			APIKey:    p.APIKey,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
			Timeout:   p.Timeout.Duration,
		}
	}
	return out
}

// EmbeddingConfig returns the embedding provider settings.
func (c *Config) EmbeddingConfig() embedding.Config {
	e := c.Embedding
	return embedding.Config{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Timeout:   e.Timeout.Duration,
		CacheSize: e.CacheSize,
	}
}

// QdrantConfig returns the Qdrant connection settings.
func (c *Config) QdrantConfig() vectorstore.QdrantConfig {
	q := c.VectorStore.Qdrant
	return vectorstore.QdrantConfig{Host: q.Host, Port: q.Port, Collection: q.Collection}
}

// GraphConfig returns the Neo4j lineage settings.
func (c *Config) GraphConfig() graph.Config {
	n := c.Database.Neo4j
	return graph.Config{URI: n.URI, User: n.User, Password: n.Password, Database: n.Database}
}

// ConversationStoreConfig returns conversation capacity limits.
func (c *Config) ConversationStoreConfig() conversation.Config {
	cc := c.Conversation
	return conversation.Config{
		MaxMessagesPerConversation: cc.MaxMessagesPerConversation,
		MaxBytesPerConversation:    cc.MaxBytesPerConversation,
		MaxMessagesTotal:           cc.MaxMessagesTotal,
		MaxBytesTotal:              cc.MaxBytesTotal,
	}
}

// MemoryIndexConfig returns decay, search and retention settings.
func (c *Config) MemoryIndexConfig() memory.Config {
	m := c.Memory
	return memory.Config{
		Decay:           memory.DecayPolicy{Base: m.DecayBase, Interval: m.DecayInterval.Duration},
		MinSimilarity:   m.MinSimilarity,
		PruneThreshold:  m.PruneThreshold,
		RetentionWindow: m.RetentionWindow.Duration,
		CandidateFactor: m.CandidateFactor,
	}
}

// RetrievalConfig returns ranking settings.
func (c *Config) RetrievalConfig() retrieval.Config {
	r := c.Retrieval
	return retrieval.Config{
		Weights: retrieval.Weights{
			Similarity: r.WeightSimilarity,
			Decay:      r.WeightDecay,
			Recency:    r.WeightRecency,
		},
		RecencyHalfLife: r.RecencyHalfLife.Duration,
		MaxCandidates:   r.MaxCandidates,
	}
}

// WindowConfig returns context window settings.
func (c *Config) WindowConfig() window.Config {
	w := c.Window
	return window.Config{
		ReserveFraction: w.ReserveFraction,
		DefaultOverlap:  w.DefaultOverlap,
		MaxOverlap:      w.MaxOverlap,
		MaxTailMessages: w.MaxTailMessages,
		DefaultTimeout:  w.Timeout.Duration,
	}
}

// SchedulerConfig returns consolidation settings.
func (c *Config) SchedulerConfig() consolidation.Config {
	s := c.Consolidation
	return consolidation.Config{
		Schedule:          s.Schedule,
		MergeThreshold:    s.MergeThreshold,
		MinContentOverlap: s.MinContentOverlap,
		PromoteAfter:      s.PromoteAfter,
		RelatedThreshold:  s.RelatedThreshold,
		Workers:           s.Workers,
		TriggerAfter:      s.TriggerAfter,
		KeepReports:       s.KeepReports,
		SummaryMaxChars:   s.SummaryMaxChars,
		UserTimeout:       s.UserTimeout.Duration,
	}
}

// EngineConfig returns request-path settings.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	cfg := engine.Config{
		SystemPrompt:    e.SystemPrompt,
		TokenBudget:     e.TokenBudget,
		Overlap:         -1,
		ReasonerPurpose: e.ReasonerPurpose,
		WriteBack:       true,
		MinSalience:     e.MinSalience,
		SummaryMaxChars: e.SummaryMaxChars,
	}
	if e.Overlap != nil {
		cfg.Overlap = *e.Overlap
	}
	if e.WriteBack != nil {
		cfg.WriteBack = *e.WriteBack
	}
	return cfg
}
