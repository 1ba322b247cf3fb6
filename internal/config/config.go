// Package config holds every tunable of the companion memory backend.
// Values come from defaults, then an optional YAML file, then environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Dgraph  DgraphConfig  `yaml:"dgraph"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	LLM     LLMConfig     `yaml:"llm"`
	Context ContextConfig `yaml:"context"`
	Focus   FocusConfig   `yaml:"focus"`
	Memory  MemoryConfig  `yaml:"memory"`
	Cache   CacheConfig   `yaml:"cache"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DgraphConfig configures the graph store connection.
type DgraphConfig struct {
	Address string `yaml:"address"`
}

// RedisConfig configures the keyed-store connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig configures the optional chat-log fan-out stream.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// LLMConfig configures the gateway endpoints and model routing.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	ChatModel   string        `yaml:"chat_model"`
	SmallModel  string        `yaml:"small_model"`
	EmbedModel  string        `yaml:"embed_model"`
	RerankURL   string        `yaml:"rerank_url"`
	RerankModel string        `yaml:"rerank_model"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ContextConfig tunes the short-term context store.
type ContextConfig struct {
	MaxRounds      int           `yaml:"max_rounds"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// FocusConfig tunes focus lifecycle arithmetic.
type FocusConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// MemoryConfig tunes the temporal memory engine.
type MemoryConfig struct {
	SearchTopK      int  `yaml:"search_top_k"`
	IncludeEpisodes bool `yaml:"include_episodes"`
}

// CacheConfig tunes the embedding cache.
type CacheConfig struct {
	MaxCost int64         `yaml:"max_cost"`
	TTL     time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "9200",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Dgraph: DgraphConfig{Address: "localhost:9080"},
		Redis:  RedisConfig{Address: "localhost:6379"},
		NATS:   NATSConfig{URL: "nats://localhost:4222", Enabled: false},
		LLM: LLMConfig{
			BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
			ChatModel:   "qwen-plus",
			SmallModel:  "qwen-turbo",
			EmbedModel:  "text-embedding-v3",
			RerankURL:   "https://dashscope.aliyuncs.com/api/v1/services/rerank/text-rerank/text-rerank",
			RerankModel: "gte-rerank",
			Timeout:     90 * time.Second,
		},
		Context: ContextConfig{
			MaxRounds:      50,
			SessionTimeout: 3 * time.Hour,
		},
		Focus: FocusConfig{
			TTL:      14 * 24 * time.Hour,
			Cooldown: 12 * time.Hour,
		},
		Memory: MemoryConfig{
			SearchTopK:      5,
			IncludeEpisodes: false,
		},
		Cache: CacheConfig{
			MaxCost: 10000,
			TTL:     30 * time.Minute,
		},
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Dgraph.Address = getEnv("DGRAPH_URL", c.Dgraph.Address)
	c.Redis.Address = getEnv("REDIS_URL", c.Redis.Address)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = v == "1" || v == "true"
	}
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.ChatModel = getEnv("LLM_CHAT_MODEL", c.LLM.ChatModel)
	c.LLM.SmallModel = getEnv("LLM_SMALL_MODEL", c.LLM.SmallModel)
	c.LLM.EmbedModel = getEnv("LLM_EMBED_MODEL", c.LLM.EmbedModel)
	c.LLM.RerankURL = getEnv("LLM_RERANK_URL", c.LLM.RerankURL)
	c.LLM.RerankModel = getEnv("LLM_RERANK_MODEL", c.LLM.RerankModel)
	if v := os.Getenv("CONTEXT_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Context.MaxRounds = n
		}
	}
	if v := os.Getenv("MEMORY_INCLUDE_EPISODES"); v != "" {
		c.Memory.IncludeEpisodes = v == "1" || v == "true"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
