// Package source produces counter increments for the pipeline.
package source

import "context"

// Source is a measurement producer feeding an Accumulator.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Start begins producing measurements.
	Start(ctx context.Context) error

	// Stop halts measurement production and waits for it to finish.
	Stop() error
}
