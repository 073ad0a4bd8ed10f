// Package cache implements the distributed cache layer: a remote Redis
// client with automatic failover to an in-process fallback cache, adaptive
// TTL computation, and operation statistics.
package cache

import "strings"

// ConnectionState represents the state of the remote cache connection
type ConnectionState int

const (
	// StateDisconnected means no connection has been established
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connection attempt is in progress
	StateConnecting
	// StateConnected means the remote cache is reachable
	StateConnected
	// StateReconnecting means the connection was lost and recovery is in progress
	StateReconnecting
	// StateFailed means every configured node is unreachable
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Category classifies a cache key by its prefix. The category selects
// the base TTL when adaptive TTL is enabled.
type Category string

// Key categories
const (
	CategoryQuery   Category = "query"
	CategorySession Category = "session"
	CategoryMetrics Category = "metrics"
	CategoryOther   Category = "other"
)

// CategorizeKey derives the cache category from the key prefix
func CategorizeKey(key string) Category {
	switch {
	case strings.HasPrefix(key, "query:"):
		return CategoryQuery
	case strings.HasPrefix(key, "session:"):
		return CategorySession
	case strings.HasPrefix(key, "metrics:"), strings.HasPrefix(key, "metadata:"):
		return CategoryMetrics
	default:
		return CategoryOther
	}
}
