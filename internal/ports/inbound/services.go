// Package inbound contains the primary/inbound ports.
package inbound

// HealthChecker defines the interface for services that can report readiness and liveness.
//
// Implementations:
//   - liquidator.Service: ready after the first completed iteration, healthy
//     while iterations keep completing within the health timeout
type HealthChecker interface {
	// IsReady returns true when the service has completed at least one iteration.
	IsReady() bool

	// IsHealthy returns true when the loop is making progress.
	IsHealthy() bool
}
