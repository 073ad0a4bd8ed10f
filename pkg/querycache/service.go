// Package querycache exposes the application-facing service: a
// distributed cache with automatic local failover, layered under a
// self-learning cache warming engine.
package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/querymesh/querycache/pkg/cache"
	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
	"github.com/querymesh/querycache/pkg/warming"
)

// Service composes the cache layer and the warming engine behind one
// explicitly constructed, dependency-injected object. It replaces any
// process-wide singletons: construct with New, run with Start, and shut
// down with Stop.
type Service struct {
	cfg     *config.Config
	conn    *cache.ConnectionManager
	dcache  *cache.DistributedCache
	engine  *warming.Engine
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates the service from configuration and a query executor
// collaborator. The executor may be nil only when warming is disabled.
func New(cfg *config.Config, executor warming.QueryExecutor, logger observability.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Warming.Enabled && executor == nil {
		return nil, fmt.Errorf("query executor is required when warming is enabled")
	}
	if logger == nil {
		logger = observability.NewLogger("querycache")
	}

	metrics := observability.NewMetricsClient()

	conn := cache.NewConnectionManager(cfg.Cache, logger.WithPrefix("cache.connection"))
	dcache := cache.NewDistributedCache(cfg.Cache, conn, logger.WithPrefix("cache.distributed"), metrics)
	engine := warming.NewEngine(cfg.Warming, dcache, executor, logger.WithPrefix("warming"), metrics)

	return &Service{
		cfg:     cfg,
		conn:    conn,
		dcache:  dcache,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start connects to the remote cache and launches the background loops:
// health checking, warming analysis, warming dispatch, and analytics
// cleanup. A failed initial connection is not an error; the service
// starts in degraded mode and the health loop keeps retrying.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if !s.conn.Connect(runCtx) {
		s.logger.Warn("Remote cache unreachable at startup, serving from local cache only", nil)
	}
	s.conn.StartHealthCheck(runCtx)
	s.engine.Start(runCtx)

	s.started = true
	s.logger.Info("Query cache service started", map[string]interface{}{
		"state":           s.conn.State().String(),
		"warming_enabled": s.cfg.Warming.Enabled,
	})
	return nil
}

// Stop shuts down the background loops and closes the remote
// connection. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.engine.Stop()
	s.conn.Stop()

	s.started = false
	s.logger.Info("Query cache service stopped", nil)
	return nil
}

// CacheGet retrieves a value from the cache. Remote unavailability
// degrades transparently to the local fallback cache; callers never see
// a cache-layer error.
func (s *Service) CacheGet(ctx context.Context, key string) (interface{}, bool) {
	return s.dcache.Get(ctx, key)
}

// CacheSet stores a value. A ttl <= 0 selects the adaptive TTL. The
// returned bool reflects the local write; see DistributedCache.Set for
// the availability-over-durability contract.
func (s *Service) CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	return s.dcache.Set(ctx, key, value, ttl)
}

// CacheDelete removes a key from the remote cache, best effort
func (s *Service) CacheDelete(ctx context.Context, key string) bool {
	return s.dcache.Delete(ctx, key)
}

// RecordQueryAccess reports one query access to the analytics tracker.
// It returns the query fingerprint, which is also the suffix of the
// cache key used for warmed results ("query:<fingerprint>").
func (s *Service) RecordQueryAccess(query string, filters map[string]interface{}, userID string, responseTime time.Duration, success bool, payloadSize int64) string {
	return s.engine.RecordAccess(query, filters, userID, responseTime, success, payloadSize)
}

// ForceWarm schedules an immediate warming task for the given query.
// Priority defaults to High when not supplied.
func (s *Service) ForceWarm(query string, filters map[string]interface{}, priority ...warming.Priority) *warming.Task {
	p := warming.PriorityHigh
	if len(priority) > 0 {
		p = priority[0]
	}
	return s.engine.ForceWarm(query, filters, p)
}

// GetCacheStats returns cache counters and performance metrics
func (s *Service) GetCacheStats() map[string]interface{} {
	stats := s.dcache.GetStats()
	result := s.dcache.GetPerformanceMetrics()
	result["cache_hits"] = stats.CacheHits
	result["cache_misses"] = stats.CacheMisses
	result["failed_operations"] = stats.FailedOperations
	return result
}

// GetWarmingStats returns warming engine statistics
func (s *Service) GetWarmingStats() map[string]interface{} {
	return s.engine.Stats()
}

// GetRecommendations returns the top tracked queries by cache value
// score, for operators tuning the warming configuration.
func (s *Service) GetRecommendations(limit int) []warming.Recommendation {
	return s.engine.Recommendations(limit)
}

// Cache exposes the distributed cache layer
func (s *Service) Cache() *cache.DistributedCache {
	return s.dcache
}

// Connection exposes the connection manager
func (s *Service) Connection() *cache.ConnectionManager {
	return s.conn
}
