// Package logging assembles the structured slog loggers used by the livetail
// binary and its packages.
//
// It owns the console and JSON handlers, the optional JSON file copy, and the
// per-process session stamp. Components derive their loggers with
// NewComponentLogger and tag stream-scoped lines with WithStream so every
// message about a tailed stream carries the same keys. NewNop is the default
// for tests and for constructors handed a nil logger.
package logging
