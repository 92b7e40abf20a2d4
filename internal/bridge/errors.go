package bridge

import "github.com/slyglif/tedapi2mqtt/internal/errors"

const (
	// Aggregation errors
	ErrIncompleteSnapshot = errors.ErrorCode("bridge_incomplete_snapshot")
	ErrInconsistentUnit   = errors.ErrorCode("bridge_inconsistent_unit")

	// Publish errors
	ErrPublishFailed = errors.ErrorCode("bridge_publish_failed")

	// Loop errors
	ErrBusUnavailable = errors.ErrorCode("bridge_bus_unavailable")
)
