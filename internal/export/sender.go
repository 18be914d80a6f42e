package export

import (
	"context"

	"github.com/meterpipe/meterpipe/internal/meter"
)

// Sender transmits chunks of counter points to a destination.
type Sender interface {
	// Name returns the sender's identifier for logging.
	Name() string
	// Start initializes the sender.
	Start(ctx context.Context) error
	// Send transmits a single chunk. Failures that retrying cannot
	// fix are wrapped with Permanent; everything else is transient.
	Send(ctx context.Context, points []meter.Point) error
	// Stop shuts down the sender gracefully.
	Stop() error
}

// Resource identifies the entity the exported metrics describe. Its
// attributes are attached to every outgoing point.
type Resource struct {
	ServiceName string
	Attributes  map[string]string
}
