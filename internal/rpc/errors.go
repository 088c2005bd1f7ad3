package rpc

import (
	"errors"
	"net/http"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/lease"
)

// Error codes returned to callers.
const (
	CodeBusy           = "busy"
	CodeDeviceNotReady = "device_not_ready"
	CodeSystemNotReady = "system_not_ready"
	CodeInvalidState   = "invalid_state"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

// errUnknownMethod is returned for a method outside the catalog.
var errUnknownMethod = errors.New("rpc: unknown method")

// Error is a structured RPC failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets callers on the client side match the controller's sentinels:
// errors.Is(err, host.ErrBusy) holds for an Error with code busy.
func (e *Error) Is(target error) bool {
	switch target {
	case host.ErrBusy:
		return e.Code == CodeBusy
	case host.ErrSDKNotInitialized:
		return e.Code == CodeSystemNotReady
	case host.ErrNotConnected, host.ErrConfigNotLoaded:
		return e.Code == CodeDeviceNotReady
	case host.ErrInvalidTransition:
		return e.Code == CodeInvalidState
	}
	return false
}

// classify maps an error to its HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, host.ErrBusy):
		return http.StatusConflict, CodeBusy
	case errors.Is(err, host.ErrNotConnected), errors.Is(err, host.ErrConfigNotLoaded):
		return http.StatusPreconditionFailed, CodeDeviceNotReady
	case errors.Is(err, host.ErrSDKNotInitialized):
		return http.StatusServiceUnavailable, CodeSystemNotReady
	case errors.Is(err, host.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, host.ErrInvalidConfig),
		errors.Is(err, host.ErrFileNotFound),
		errors.Is(err, host.ErrLeaseDisabled),
		errors.Is(err, lease.ErrTokenInvalid),
		errors.Is(err, lease.ErrWrongInstance),
		errors.Is(err, errBadParams):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, errUnknownMethod):
		return http.StatusNotFound, CodeNotFound
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func toError(err error) *Error {
	_, code := classify(err)
	return &Error{Code: code, Message: err.Error()}
}
