package heartbeat

import (
	"context"

	"github.com/femtomc/mu-sub002/internal/wake"
)

// Dispatcher hands a program tick to the wake orchestrator.
// Production: *wake.Orchestrator. Testing: in-memory fake.
type Dispatcher interface {
	DispatchWake(ctx context.Context, ev wake.Event) wake.DispatchResult
}
