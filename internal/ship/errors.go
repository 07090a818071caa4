package ship

import "errors"

// Error kinds surfaced to the API layer, classified by cause.
var (
	// ErrCapacityExceeded means the ship cap is reached and policy is reject.
	ErrCapacityExceeded = errors.New("maximum number of ships reached")

	// ErrCapacityTimeout means the wait policy exhausted its budget.
	ErrCapacityTimeout = errors.New("timeout waiting for available ship slot")

	// ErrProvision means the container runtime failed during create.
	ErrProvision = errors.New("failed to provision ship container")

	// ErrReadinessTimeout means the ship never answered its health check.
	ErrReadinessTimeout = errors.New("ship failed readiness check")

	// ErrShipNotFound means the ship is absent or already stopped.
	ErrShipNotFound = errors.New("ship not found")

	// ErrPayloadTooLarge means an upload exceeded the configured limit.
	ErrPayloadTooLarge = errors.New("upload exceeds maximum allowed size")
)
