// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the per-message write deadline
	WebSocketWriteTimeout = 10 * time.Second

	// WebSocketSendBuffer is the per-client outbound queue size
	WebSocketSendBuffer = 256
)

// Call signaling constants
const (
	// RingTimeout is how long the client rings before giving up.
	// Timeout authority is client-side; the relay holds no ring timer.
	RingTimeout = 30 * time.Second

	// PersistTimeout bounds the appointment update after a call ends.
	// Persistence runs off the notification path and is best-effort.
	PersistTimeout = 10 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Presence constants
const (
	// PresenceMirrorTTL is how long a presence mirror entry lives in Redis
	// without being refreshed by a re-registration.
	PresenceMirrorTTL = 5 * time.Minute
)
