// Package main hosts the livetail CLI entrypoint and command graph.
//
// Commands follow configured streams in the terminal, print one-shot
// snapshots, and serve the HTTP/WebSocket gateway. Configuration loading,
// logger setup, and runtime wiring live in this package; the tailing logic
// lives in internal/tail and its collaborators.
package main
