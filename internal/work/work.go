// Package work provides background task infrastructure for the worker
// process.
package work

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// Named lets a worker report a stable name for logs.
type Named interface {
	Name() string
}
