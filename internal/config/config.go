package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime settings for the server. Values are resolved with
// the precedence: process environment > .env file > YAML config > defaults.
type Config struct {
	Provider ProviderConfig
	Redis    RedisConfig
	Books    BooksConfig
	Web      ServerConfig
	MCP      ServerConfig
	WS       ServerConfig
	Chat     ChatConfig
	Cache    CacheConfig
	Search   SearchConfig
	Prompt   PromptConfig
	Tools    ToolsConfig
	LogLevel string
}

// ProviderConfig selects and configures the upstream LLM/embedding provider.
type ProviderConfig struct {
	Name          string // "gemini" | "openai"
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	EmbedModel    string
	StreamTimeout time.Duration
	CallTimeout   time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BooksConfig locates the book library and the index cache directory.
type BooksConfig struct {
	Dir       string
	BookPath  string // optional single-book override
	CacheDir  string
	ChunkSize int
	Overlap   int
}

type ServerConfig struct {
	Host    string
	Port    int
	Enabled bool
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChatConfig bounds conversation history and controls compaction.
// Lengths are in rounds (one user + one assistant message).
type ChatConfig struct {
	TTL                time.Duration
	MaxHistoryLength   int
	SummarizeThreshold int
	KeepRecentMessages int
}

type CacheConfig struct {
	TTL               time.Duration
	SemanticThreshold float64
	SemanticMaxSize   int
}

// SearchConfig tunes hybrid retrieval fusion.
type SearchConfig struct {
	KeywordWeight float64
}

// PromptConfig points at the optional mode-override YAML.
type PromptConfig struct {
	ModesFile string
}

// ToolsConfig names external MCP servers whose tools are proxied into the
// local registry.
type ToolsConfig struct {
	RemoteServers string // comma-separated name=url pairs
}

// RemoteServer is one parsed external MCP endpoint.
type RemoteServer struct {
	Name string
	URL  string
}

// Remotes parses RemoteServers, e.g.
// "weather=http://wx:8765/mcp,calc=http://calc:8765/mcp".
func (t ToolsConfig) Remotes() ([]RemoteServer, error) {
	if strings.TrimSpace(t.RemoteServers) == "" {
		return nil, nil
	}
	var out []RemoteServer
	for _, pair := range strings.Split(t.RemoteServers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid remote server entry %q, want name=url", pair)
		}
		out = append(out, RemoteServer{Name: name, URL: url})
	}
	return out, nil
}

// Load builds the configuration. A .env file in the working directory is
// merged first (never overriding real environment variables), then an optional
// YAML file named by CONFIG_PATH.
func Load() (*Config, error) {
	// godotenv.Load does not override variables already set in the process.
	_ = godotenv.Load()

	v := viper.New()
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
	}

	cfg := &Config{
		Provider: ProviderConfig{
			Name:          getStr(v, "provider.name", "AI_PROVIDER", "gemini"),
			GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
			OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL: getStr(v, "provider.openai_base_url", "OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:         getStr(v, "provider.model", "AI_MODEL", "gemini-2.0-flash"),
			EmbedModel:    getStr(v, "provider.embed_model", "AI_EMBED_MODEL", "text-embedding-004"),
			StreamTimeout: getDur(v, "provider.stream_timeout", "AI_STREAM_TIMEOUT", 120*time.Second),
			CallTimeout:   getDur(v, "provider.call_timeout", "AI_CALL_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:     getStr(v, "redis.host", "REDIS_HOST", "127.0.0.1"),
			Port:     getInt(v, "redis.port", "REDIS_PORT", 6379),
			Password: getStr(v, "redis.password", "REDIS_PASSWORD", ""),
			DB:       getInt(v, "redis.db", "REDIS_DB", 0),
		},
		Books: BooksConfig{
			Dir:       getStr(v, "books.dir", "BOOKS_DIR", "./books"),
			BookPath:  getStr(v, "books.path", "BOOK_PATH", ""),
			CacheDir:  getStr(v, "books.cache", "BOOK_CACHE", "./books/.cache"),
			ChunkSize: getInt(v, "books.chunk_size", "BOOK_CHUNK_SIZE", 800),
			Overlap:   getInt(v, "books.chunk_overlap", "BOOK_CHUNK_OVERLAP", 150),
		},
		Web: ServerConfig{
			Host:    getStr(v, "web.host", "WEB_SERVER_HOST", "0.0.0.0"),
			Port:    getInt(v, "web.port", "WEB_SERVER_PORT", 8080),
			Enabled: getBool(v, "web.enabled", "WEB_SERVER_ENABLED", true),
		},
		MCP: ServerConfig{
			Host:    getStr(v, "mcp.host", "MCP_SERVER_HOST", "0.0.0.0"),
			Port:    getInt(v, "mcp.port", "MCP_SERVER_PORT", 8765),
			Enabled: getBool(v, "mcp.enabled", "MCP_SERVER_ENABLED", true),
		},
		WS: ServerConfig{
			Host:    getStr(v, "ws.host", "WS_SERVER_HOST", "0.0.0.0"),
			Port:    getInt(v, "ws.port", "WS_SERVER_PORT", 8081),
			Enabled: getBool(v, "ws.enabled", "WS_SERVER_ENABLED", true),
		},
		Chat: ChatConfig{
			TTL:                getDur(v, "chat.ttl", "CHAT_TTL", time.Hour),
			MaxHistoryLength:   getInt(v, "chat.max_history", "CHAT_MAX_HISTORY", 20),
			SummarizeThreshold: getInt(v, "chat.summarize_threshold", "CHAT_SUMMARIZE_THRESHOLD", 8),
			KeepRecentMessages: getInt(v, "chat.keep_recent", "CHAT_KEEP_RECENT", 4),
		},
		Cache: CacheConfig{
			TTL:               getDur(v, "cache.ttl", "CACHE_TTL", time.Hour),
			SemanticThreshold: getFloat(v, "cache.semantic_threshold", "CACHE_SEMANTIC_THRESHOLD", 0.96),
			SemanticMaxSize:   getInt(v, "cache.semantic_max_size", "CACHE_SEMANTIC_MAX_SIZE", 100),
		},
		Search: SearchConfig{
			KeywordWeight: getFloat(v, "search.keyword_weight", "SEARCH_KEYWORD_WEIGHT", 0.5),
		},
		Prompt: PromptConfig{
			ModesFile: getStr(v, "prompt.modes_file", "PROMPT_MODES_FILE", ""),
		},
		Tools: ToolsConfig{
			RemoteServers: getStr(v, "tools.remote_servers", "MCP_REMOTE_SERVERS", ""),
		},
		LogLevel: getStr(v, "log.level", "LOG_LEVEL", "info"),
	}

	if cfg.Provider.Name != "gemini" && cfg.Provider.Name != "openai" {
		return nil, fmt.Errorf("unknown AI_PROVIDER %q", cfg.Provider.Name)
	}
	return cfg, nil
}

func getStr(v *viper.Viper, key, env, def string) string {
	if s := os.Getenv(env); s != "" {
		return s
	}
	if v != nil && v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key, env string, def int) int {
	if s := os.Getenv(env); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	if v != nil && v.IsSet(key) {
		return v.GetInt(key)
	}
	return def
}

func getBool(v *viper.Viper, key, env string, def bool) bool {
	if s := os.Getenv(env); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	if v != nil && v.IsSet(key) {
		return v.GetBool(key)
	}
	return def
}

func getFloat(v *viper.Viper, key, env string, def float64) float64 {
	if s := os.Getenv(env); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	if v != nil && v.IsSet(key) {
		return v.GetFloat64(key)
	}
	return def
}

func getDur(v *viper.Viper, key, env string, def time.Duration) time.Duration {
	if s := os.Getenv(env); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if v != nil && v.IsSet(key) {
		return v.GetDuration(key)
	}
	return def
}
