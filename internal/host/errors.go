package host

import "errors"

// Command failures. RPC callers see busy, device-not-ready and
// system-not-ready as distinct codes.
var (
	// ErrBusy is returned when another command holds the SDK.
	ErrBusy = errors.New("host: another command is in progress")

	// ErrSDKNotInitialized means the SDK has not come up yet.
	ErrSDKNotInitialized = errors.New("host: sdk not initialized")

	// ErrNotConnected means the board link is down.
	ErrNotConnected = errors.New("host: board not connected")

	// ErrConfigNotLoaded means a mark was requested before any configuration.
	ErrConfigNotLoaded = errors.New("host: configuration not loaded")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("host: invalid configuration")

	// ErrInvalidTransition is returned for a command the current state does not allow.
	ErrInvalidTransition = errors.New("host: command not allowed in current state")

	// ErrFileNotFound is returned by DownloadFile for a missing source file.
	ErrFileNotFound = errors.New("host: download file not found")

	// ErrLeaseDisabled is returned by RenewLease when the host runs without a lease.
	ErrLeaseDisabled = errors.New("host: lease not enabled")
)
