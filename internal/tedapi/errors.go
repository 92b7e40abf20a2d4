package tedapi

import "github.com/slyglif/tedapi2mqtt/internal/errors"

const (
	// Transport errors
	ErrUnreachable = errors.ErrorCode("tedapi_unreachable")
	ErrTimeout     = errors.ErrorCode("tedapi_timeout")

	// Gateway errors
	ErrAccessDenied = errors.ErrorCode("tedapi_access_denied")
	ErrRateLimited  = errors.ErrorCode("tedapi_rate_limited")
	ErrBadResponse  = errors.ErrorCode("tedapi_bad_response")
)
