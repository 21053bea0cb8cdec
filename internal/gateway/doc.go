// Package gateway exposes open streams to a browser UI over HTTP and
// WebSocket.
//
// REST endpoints report status, return snapshots and drive the stream
// lifecycle. The WebSocket endpoint sends a snapshot frame followed by one
// frame per tail update; a client that falls behind is sent a fresh snapshot
// instead of the updates it missed.
package gateway
