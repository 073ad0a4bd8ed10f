package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
)

// probeTimeout bounds a single health-check PING
const probeTimeout = 2 * time.Second

// ConnectionManager owns the connection lifecycle to the primary remote
// cache node and its ordered fallbacks. It runs a periodic health-check
// loop once started and exposes the connection state machine that
// DistributedCache reads before every operation.
//
// State transitions are made only by ConnectionManager's own goroutine
// and by Connect/Disconnect/NoteFailure; readers use State().
type ConnectionManager struct {
	cfg    config.CacheConfig
	nodes  []config.NodeConfig
	logger observability.Logger

	mu         sync.RWMutex
	state      ConnectionState
	client     *redis.Client
	activeNode int

	attempts int64
	failures int64

	// probe latency samples in milliseconds, bounded to 100
	probeSamples []float64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionManager creates a connection manager for the primary node
// and the configured fallback nodes, in declared order.
func NewConnectionManager(cfg config.CacheConfig, logger observability.Logger) *ConnectionManager {
	if logger == nil {
		logger = observability.NewLogger("cache.connection")
	}

	nodes := make([]config.NodeConfig, 0, 1+len(cfg.FallbackNodes))
	nodes = append(nodes, cfg.PrimaryNode())
	nodes = append(nodes, cfg.FallbackNodes...)

	return &ConnectionManager{
		cfg:        cfg,
		nodes:      nodes,
		logger:     logger,
		state:      StateDisconnected,
		activeNode: -1,
		stopCh:     make(chan struct{}),
	}
}

// Connect attempts the primary node first, then cycles through fallback
// nodes in declared order, stopping at the first success. It returns
// true when a node accepted the connection.
func (cm *ConnectionManager) Connect(ctx context.Context) bool {
	cm.setState(StateConnecting)

	if cm.cycleNodes(ctx) {
		cm.setState(StateConnected)
		return true
	}

	cm.setState(StateFailed)
	return false
}

// Disconnect closes the active connection and resets the state machine
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		_ = cm.client.Close()
		cm.client = nil
	}
	cm.activeNode = -1
	cm.state = StateDisconnected
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Client returns the active Redis client, or nil when no node is
// connected.
func (cm *ConnectionManager) Client() *redis.Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client
}

// NoteFailure flips a Connected manager toward reconnection. It is
// called by DistributedCache when a remote operation fails; the next
// health-check tick performs the actual node cycle.
func (cm *ConnectionManager) NoteFailure() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateConnected {
		cm.state = StateReconnecting
		cm.logger.Warn("Remote operation failed, entering reconnecting state", nil)
	}
}

// StartHealthCheck launches the periodic health-check loop. The loop
// stops when ctx is cancelled or Stop is called.
func (cm *ConnectionManager) StartHealthCheck(ctx context.Context) {
	interval := cm.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cm.healthCheck(ctx)
			case <-ctx.Done():
				return
			case <-cm.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the health-check loop and closes the connection
func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopCh)
	})
	cm.wg.Wait()
	cm.Disconnect()
}

// Counters returns the cumulative connection attempt and failure counts
func (cm *ConnectionManager) Counters() (attempts, failures int64) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.attempts, cm.failures
}

// Stats returns connection diagnostics including probe latency
// aggregates from the bounded sample window.
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	avg := float64(0)
	p95 := float64(0)
	if len(cm.probeSamples) > 0 {
		sorted := make([]float64, len(cm.probeSamples))
		copy(sorted, cm.probeSamples)
		sum := float64(0)
		for _, s := range sorted {
			sum += s
		}
		avg = sum / float64(len(sorted))

		// Samples are appended in time order; sort a copy for the percentile.
		sort.Float64s(sorted)
		p95 = percentile(sorted, 0.95)
	}

	node := ""
	if cm.activeNode >= 0 && cm.activeNode < len(cm.nodes) {
		node = cm.nodes[cm.activeNode].Addr()
	}

	return map[string]interface{}{
		"state":                cm.state.String(),
		"active_node":          node,
		"connection_attempts":  cm.attempts,
		"connection_failures":  cm.failures,
		"probe_latency_avg_ms": avg,
		"probe_latency_p95_ms": p95,
	}
}

// healthCheck runs one tick of the health loop: probe the active
// connection, and on failure cycle through every node before giving up
// until the next tick.
func (cm *ConnectionManager) healthCheck(ctx context.Context) {
	state := cm.State()

	switch state {
	case StateConnected, StateReconnecting:
		if cm.probe(ctx) {
			if state == StateReconnecting {
				cm.setState(StateConnected)
				cm.logger.Info("Remote cache recovered", map[string]interface{}{
					"node": cm.activeNodeAddr(),
				})
			}
			return
		}

		if state == StateConnected {
			cm.setState(StateReconnecting)
			cm.logger.Warn("Health check failed, attempting reconnection", nil)
		}

		if cm.cycleNodes(ctx) {
			cm.setState(StateConnected)
			cm.logger.Info("Remote cache recovered", map[string]interface{}{
				"node": cm.activeNodeAddr(),
			})
			return
		}

		cm.setState(StateFailed)
		cm.logger.Error("All cache nodes unreachable", map[string]interface{}{
			"nodes": len(cm.nodes),
		})

	case StateFailed:
		// No tight retry loop: one full cycle per scheduled tick.
		if cm.cycleNodes(ctx) {
			cm.setState(StateConnected)
			cm.logger.Info("Remote cache recovered from failed state", map[string]interface{}{
				"node": cm.activeNodeAddr(),
			})
		}
	}
}

// probe issues a PING against the active client and records its latency
func (cm *ConnectionManager) probe(ctx context.Context) bool {
	client := cm.Client()
	if client == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := client.Ping(probeCtx).Err()
	elapsed := time.Since(start)

	if err != nil {
		return false
	}

	cm.mu.Lock()
	cm.probeSamples = append(cm.probeSamples, float64(elapsed.Milliseconds()))
	if len(cm.probeSamples) > 100 {
		cm.probeSamples = cm.probeSamples[len(cm.probeSamples)-100:]
	}
	cm.mu.Unlock()

	return true
}

// cycleNodes tries every node in declared order (primary first) and
// keeps the first one that answers PING. A short exponential backoff
// separates consecutive attempts, capped at the configured retry delay.
func (cm *ConnectionManager) cycleNodes(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if cm.cfg.RetryDelay > 0 {
		bo.MaxInterval = cm.cfg.RetryDelay
	}
	bo.MaxElapsedTime = 0

	for i, node := range cm.nodes {
		if i > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return false
			case <-cm.stopCh:
				return false
			}
		}

		cm.mu.Lock()
		cm.attempts++
		cm.mu.Unlock()

		client := redis.NewClient(&redis.Options{
			Addr:        node.Addr(),
			Password:    node.Password,
			DB:          cm.cfg.DB,
			PoolSize:    cm.cfg.MaxConnections,
			DialTimeout: cm.cfg.ConnectTimeout,
			MaxRetries:  cm.cfg.RetryCount,
		})

		pingCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout())
		err := client.Ping(pingCtx).Err()
		cancel()

		if err != nil {
			_ = client.Close()
			cm.mu.Lock()
			cm.failures++
			cm.mu.Unlock()

			cm.logger.Warn("Cache node unreachable", map[string]interface{}{
				"node":    node.Addr(),
				"primary": node.Primary,
				"error":   err.Error(),
			})
			continue
		}

		cm.mu.Lock()
		if cm.client != nil {
			_ = cm.client.Close()
		}
		cm.client = client
		cm.activeNode = i
		cm.mu.Unlock()

		cm.logger.Info("Connected to cache node", map[string]interface{}{
			"node":    node.Addr(),
			"primary": node.Primary,
		})
		return true
	}

	return false
}

func (cm *ConnectionManager) connectTimeout() time.Duration {
	if cm.cfg.ConnectTimeout > 0 {
		return cm.cfg.ConnectTimeout
	}
	return 5 * time.Second
}

func (cm *ConnectionManager) setState(state ConnectionState) {
	cm.mu.Lock()
	cm.state = state
	cm.mu.Unlock()
}

func (cm *ConnectionManager) activeNodeAddr() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.activeNode >= 0 && cm.activeNode < len(cm.nodes) {
		return cm.nodes[cm.activeNode].Addr()
	}
	return ""
}
