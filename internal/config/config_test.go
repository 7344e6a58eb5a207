package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Provider.Name)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
	assert.Equal(t, 800, cfg.Books.ChunkSize)
	assert.Equal(t, 150, cfg.Books.Overlap)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.InDelta(t, 0.96, cfg.Cache.SemanticThreshold, 1e-9)
	assert.Equal(t, 100, cfg.Cache.SemanticMaxSize)
	assert.Equal(t, 20, cfg.Chat.MaxHistoryLength)
	assert.Equal(t, 8, cfg.Chat.SummarizeThreshold)
	assert.Equal(t, 4, cfg.Chat.KeepRecentMessages)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("AI_PROVIDER", "openai")
	t.Setenv("CACHE_SEMANTIC_THRESHOLD", "0.9")
	t.Setenv("CHAT_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.InDelta(t, 0.9, cfg.Cache.SemanticThreshold, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Chat.TTL)
}

func TestInvalidProvider(t *testing.T) {
	t.Setenv("AI_PROVIDER", "watson")
	_, err := Load()
	require.Error(t, err)
}

func TestDurationAsSeconds(t *testing.T) {
	t.Setenv("CACHE_TTL", "120")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
}

func TestRemoteServerParsing(t *testing.T) {
	t.Setenv("MCP_REMOTE_SERVERS", "wx=http://localhost:9000/mcp, calc=http://calc:8765/mcp")
	cfg, err := Load()
	require.NoError(t, err)

	remotes, err := cfg.Tools.Remotes()
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	assert.Equal(t, RemoteServer{Name: "wx", URL: "http://localhost:9000/mcp"}, remotes[0])
	assert.Equal(t, RemoteServer{Name: "calc", URL: "http://calc:8765/mcp"}, remotes[1])

	// unset means no remotes, not an error
	empty := ToolsConfig{}
	remotes, err = empty.Remotes()
	require.NoError(t, err)
	assert.Empty(t, remotes)

	bad := ToolsConfig{RemoteServers: "oops"}
	_, err = bad.Remotes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name=url")
}
