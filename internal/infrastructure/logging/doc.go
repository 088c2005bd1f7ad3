// Package logging provides structured logging for the boardfleet binaries.
//
// It wraps log/slog so that every entry carries the binary name and
// version, and so that components share one level and format setting:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "fleetsupervisor", version)
//	logger.Info("service started", "id", "dev_A", "pid", 4242)
//
// Never log the lease secret or broker passwords.
package logging
