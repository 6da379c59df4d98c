package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RoutingSettings controls the route decision engine
type RoutingSettings struct {
	AutoRoute          bool    `mapstructure:"auto_route"`
	AutoRouteOverride  bool    `mapstructure:"auto_route_override"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	RulesPath          string  `mapstructure:"rules_path"`
	RulesReload        bool    `mapstructure:"rules_reload"`
	ClassifierTimeoutS float64 `mapstructure:"classifier_timeout_s"`
}

// RAGSettings controls dispatch, aggregation and generation
type RAGSettings struct {
	AnswerTimeoutS             float64  `mapstructure:"answer_timeout_s"`
	SynthesizeMaxChars         int      `mapstructure:"synthesize_max_chars"`
	SynthesizeMaxEvidence      int      `mapstructure:"synthesize_max_evidence"`
	SynthesizeEvidenceStrategy string   `mapstructure:"synthesize_evidence_strategy"`
	PreferredOrder             []string `mapstructure:"preferred_order"`
}

// StreamSettings controls the SSE and WebSocket transports
type StreamSettings struct {
	HeartbeatS               float64 `mapstructure:"heartbeat_s"`
	DebugCombinedContextMax  int     `mapstructure:"debug_combined_context_max_chars"`
	EventLogMaxLen           int64   `mapstructure:"event_log_max_len"`
	EventLogTTLMinutes       int     `mapstructure:"event_log_ttl_minutes"`
	WebSocketPingIntervalS   float64 `mapstructure:"ws_ping_interval_s"`
	WebSocketMaxMessageBytes int64   `mapstructure:"ws_max_message_bytes"`
}

// ServerSettings holds listener ports
type ServerSettings struct {
	Port        int `mapstructure:"port"`
	AdminPort   int `mapstructure:"admin_port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// RedisSettings for telemetry, debug cache and embedding cache
type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseSettings selects the SQL backend for conversations and summaries
type DatabaseSettings struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxConnections  int    `mapstructure:"max_connections"`
	IdleConnections int    `mapstructure:"idle_connections"`
}

// LLMSettings for the generation and classification endpoint
type LLMSettings struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// VectorSettings for the Qdrant episode store
type VectorSettings struct {
	Enabled    bool    `mapstructure:"enabled"`
	Host       string  `mapstructure:"host"`
	Port       int     `mapstructure:"port"`
	Collection string  `mapstructure:"collection"`
	Dimension  int     `mapstructure:"dimension"`
	TimeoutS   float64 `mapstructure:"timeout_s"`
}

// EmbeddingSettings for the embedding service
type EmbeddingSettings struct {
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	CacheTTLMin  int    `mapstructure:"cache_ttl_minutes"`
	LRUCapacity  int    `mapstructure:"lru_capacity"`
	RedisCaching bool   `mapstructure:"redis_caching"`
}

// MemorySettings controls summaries and episodic recall
type MemorySettings struct {
	BackgroundConcurrency int    `mapstructure:"background_concurrency"`
	SummaryEnabled        bool   `mapstructure:"summary_enabled"`
	EpisodicEnabled       bool   `mapstructure:"episodic_enabled"`
	EpisodicRecallMode    string `mapstructure:"episodic_recall_mode"`
	EpisodicTopK          int    `mapstructure:"episodic_top_k"`
	HistoryLimit          int    `mapstructure:"history_limit"`
}

// DebugSettings controls the per-request debug collector
type DebugSettings struct {
	Backend    string `mapstructure:"backend"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// RateLimitSettings is the per-user token bucket
type RateLimitSettings struct {
	RequestsPerSecond float64 `mapstructure:"rps"`
	Burst             int     `mapstructure:"burst"`
}

// TracingSettings mirrors tracing.Config
type TracingSettings struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Settings is the full service configuration
type Settings struct {
	Routing    RoutingSettings   `mapstructure:"routing"`
	RAG        RAGSettings       `mapstructure:"rag"`
	Stream     StreamSettings    `mapstructure:"stream"`
	Server     ServerSettings    `mapstructure:"server"`
	Redis      RedisSettings     `mapstructure:"redis"`
	Database   DatabaseSettings  `mapstructure:"database"`
	LLM        LLMSettings       `mapstructure:"llm"`
	Vector     VectorSettings    `mapstructure:"vector"`
	Embeddings EmbeddingSettings `mapstructure:"embeddings"`
	Memory     MemorySettings    `mapstructure:"memory"`
	Debug      DebugSettings     `mapstructure:"debug"`
	RateLimit  RateLimitSettings `mapstructure:"rate_limit"`
	Tracing    TracingSettings   `mapstructure:"tracing"`
	// Strategies maps domain (or "*") to a retrieval worker base URL
	Strategies map[string]string `mapstructure:"strategies"`
}

// DefaultConfigPath is used when CONFIG_PATH is unset
const DefaultConfigPath = "/app/config/ragrouter.yaml"

var defaults = map[string]interface{}{
	"routing.auto_route":           true,
	"routing.auto_route_override":  true,
	"routing.min_confidence":       0.75,
	"routing.rules_reload":         false,
	"routing.classifier_timeout_s": 15,

	"rag.answer_timeout_s":             180,
	"rag.synthesize_max_chars":         1500,
	"rag.synthesize_max_evidence":      3,
	"rag.synthesize_evidence_strategy": "score",

	"stream.heartbeat_s":                      15,
	"stream.debug_combined_context_max_chars": 20000,
	"stream.event_log_max_len":                1000,
	"stream.event_log_ttl_minutes":            30,
	"stream.ws_ping_interval_s":               30,
	"stream.ws_max_message_bytes":            1 << 16,

	"server.port":         8080,
	"server.admin_port":   8081,
	"server.metrics_port": 2112,

	"redis.addr": "localhost:6379",

	"database.driver":           "postgres",
	"database.host":             "localhost",
	"database.port":             5432,
	"database.user":             "ragrouter",
	"database.database":         "ragrouter",
	"database.sslmode":          "disable",
	"database.max_connections":  25,
	"database.idle_connections": 5,

	"llm.base_url":    "http://llm-service:8000/v1",
	"llm.temperature": 0.2,

	"vector.enabled":    false,
	"vector.host":       "qdrant",
	"vector.port":       6333,
	"vector.collection": "conversation_episodes",
	"vector.dimension":  1536,
	"vector.timeout_s":  5,

	"embeddings.base_url":          "http://llm-service:8000",
	"embeddings.model":             "text-embedding-3-small",
	"embeddings.cache_ttl_minutes": 60 * 24,
	"embeddings.lru_capacity":      2048,

	"memory.background_concurrency": 4,
	"memory.summary_enabled":        true,
	"memory.episodic_enabled":       false,
	"memory.episodic_recall_mode":   "auto",
	"memory.episodic_top_k":         3,
	"memory.history_limit":          12,

	"debug.backend":     "memory",
	"debug.ttl_minutes": 30,
	"debug.max_entries": 1000,

	"rate_limit.rps":   2,
	"rate_limit.burst": 5,

	"tracing.service_name":  "ragrouter",
	"tracing.otlp_endpoint": "localhost:4317",
}

// envBindings maps config keys to their historical environment variables
var envBindings = map[string]string{
	"routing.auto_route":                      "KB_AUTO_ROUTE",
	"routing.auto_route_override":             "KB_AUTO_ROUTE_OVERRIDE",
	"routing.min_confidence":                  "KB_AUTO_ROUTE_MIN_CONFIDENCE",
	"routing.rules_path":                      "KB_ROUTING_RULES_PATH",
	"routing.rules_reload":                    "KB_ROUTING_RULES_RELOAD",
	"rag.answer_timeout_s":                    "RAG_ANSWER_TIMEOUT_S",
	"rag.synthesize_max_chars":                "RAG_SYNTHESIZE_MAX_CHARS",
	"rag.synthesize_max_evidence":             "RAG_SYNTHESIZE_MAX_EVIDENCE",
	"rag.synthesize_evidence_strategy":        "RAG_SYNTHESIZE_EVIDENCE_STRATEGY",
	"stream.heartbeat_s":                      "SSE_HEARTBEAT_S",
	"stream.debug_combined_context_max_chars": "DEBUG_COMBINED_CONTEXT_MAX_CHARS",
	"server.port":                             "PORT",
	"server.metrics_port":                     "METRICS_PORT",
	"redis.addr":                              "REDIS_ADDR",
	"redis.password":                          "REDIS_PASSWORD",
	"database.driver":                         "DB_DRIVER",
	"database.dsn":                            "DB_DSN",
	"database.host":                           "POSTGRES_HOST",
	"database.port":                           "POSTGRES_PORT",
	"database.user":                           "POSTGRES_USER",
	"database.password":                       "POSTGRES_PASSWORD",
	"database.database":                       "POSTGRES_DB",
	"database.sslmode":                        "POSTGRES_SSLMODE",
	"llm.base_url":                            "LLM_BASE_URL",
	"llm.api_key":                             "LLM_API_KEY",
	"llm.model":                               "LLM_MODEL",
	"embeddings.base_url":                     "LLM_SERVICE_URL",
	"vector.enabled":                          "QDRANT_ENABLED",
	"vector.host":                             "QDRANT_HOST",
	"memory.episodic_enabled":                 "EPISODIC_MEMORY_ENABLED",
	"memory.episodic_recall_mode":             "EPISODIC_RECALL_MODE",
	"debug.backend":                           "DEBUG_BACKEND",
	"tracing.enabled":                         "OTEL_ENABLED",
	"tracing.otlp_endpoint":                   "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads CONFIG_PATH (default /app/config/ragrouter.yaml) and applies
// environment overrides. A missing file is not an error.
func Load() (*Settings, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path
func LoadFile(path string) (*Settings, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for k, env := range envBindings {
		if err := v.BindEnv(k, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	v.SetEnvPrefix("RAGROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings that would make the service misbehave
func (s *Settings) Validate() error {
	if s.Routing.MinConfidence < 0 || s.Routing.MinConfidence > 1 {
		return fmt.Errorf("routing.min_confidence must be within [0,1], got %v", s.Routing.MinConfidence)
	}
	if s.RAG.AnswerTimeoutS <= 0 {
		return fmt.Errorf("rag.answer_timeout_s must be positive")
	}
	switch s.Debug.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("debug.backend must be memory or redis, got %q", s.Debug.Backend)
	}
	switch s.Database.Driver {
	case "memory", "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be memory, postgres or sqlite3, got %q", s.Database.Driver)
	}
	switch s.Memory.EpisodicRecallMode {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("memory.episodic_recall_mode must be auto, always or never, got %q", s.Memory.EpisodicRecallMode)
	}
	for domain := range s.Strategies {
		if strings.EqualFold(strings.TrimSpace(domain), "default") {
			return fmt.Errorf("strategies: domain %q is reserved", domain)
		}
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// AnswerTimeout is the generation budget
func (s *Settings) AnswerTimeout() time.Duration { return seconds(s.RAG.AnswerTimeoutS) }

// Heartbeat is the SSE keep-alive interval, never below one second
func (s *Settings) Heartbeat() time.Duration {
	if hb := seconds(s.Stream.HeartbeatS); hb > time.Second {
		return hb
	}
	return time.Second
}

// ClassifierTimeout bounds the LLM intent classifier
func (s *Settings) ClassifierTimeout() time.Duration {
	if s.Routing.ClassifierTimeoutS <= 0 {
		return 15 * time.Second
	}
	return seconds(s.Routing.ClassifierTimeoutS)
}

// DebugTTL is how long debug records are kept
func (s *Settings) DebugTTL() time.Duration { return time.Duration(s.Debug.TTLMinutes) * time.Minute }

// EventLogTTL is how long telemetry streams are kept
func (s *Settings) EventLogTTL() time.Duration {
	return time.Duration(s.Stream.EventLogTTLMinutes) * time.Minute
}

// DatabaseDSN returns the configured DSN or builds a Postgres one
func (s *Settings) DatabaseDSN() string {
	d := s.Database
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}
