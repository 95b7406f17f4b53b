// Package adapter defines the lifecycle contract of the network services
// pkg/server runs side by side: the sync hub and the metrics endpoint.
package adapter

import "context"

// Adapter is a network service managed by server.Server.
//
// Lifecycle:
//  1. Creation: the adapter is built with its configuration and backends
//  2. Startup: Serve() listens and blocks until shutdown
//  3. Shutdown: Stop() initiates graceful shutdown with a timeout
//
// Implementations must be safe for concurrent use; Stop() may be called
// concurrently with Serve().
type Adapter interface {
	// Serve starts the service and blocks until the context is cancelled or
	// an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve stops accepting connections,
	// waits for active requests (with a timeout), and returns nil or
	// context.Canceled. Returning before cancellation is treated as fatal
	// by server.Server, which then stops every other adapter.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown. It must be idempotent, safe to call
	// concurrently with Serve, and respect the context deadline.
	Stop(ctx context.Context) error

	// Protocol names the service in logs and metrics, e.g. "sync-hub".
	Protocol() string

	// Port returns the configured listening port, or 0 for an ephemeral one.
	Port() int
}
