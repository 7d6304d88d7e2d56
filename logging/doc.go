// Package logging provides a minimal logging interface and adapters for the
// fleet components.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn,
// Error) that the dispatcher, mesh coordinator and session sync manager use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - FleetLogger with session / component context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	d := dispatcher.New(b, orch, func(o *dispatcher.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
