package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming metrics
	StreamsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartbook_streams_started_total",
			Help: "Total number of client streams opened",
		},
		[]string{"kind", "egress"},
	)

	StreamsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartbook_streams_completed_total",
			Help: "Total number of client streams finished",
		},
		[]string{"kind", "status"},
	)

	TokensForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartbook_tokens_forwarded_total",
			Help: "Total number of upstream content chunks forwarded to clients",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartbook_cache_hits_total",
			Help: "Response cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartbook_cache_misses_total",
			Help: "Response cache misses",
		},
	)

	// Retrieval metrics
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartbook_search_duration_seconds",
			Help:    "Hybrid search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexChunks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartbook_index_chunks",
			Help: "Number of chunks in each loaded book index",
		},
		[]string{"book"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartbook_mcp_sessions_created_total",
			Help: "Total number of MCP sessions created",
		},
	)

	SessionsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartbook_mcp_sessions_recovered_total",
			Help: "Total number of MCP sessions recreated for unknown ids",
		},
	)

	// Upstream metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartbook_upstream_requests_total",
			Help: "Upstream LLM/embedding requests by kind and status",
		},
		[]string{"kind", "status"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartbook_embedding_cache_hits_total",
			Help: "Embedding LRU cache hits",
		},
	)
)
