// Package record defines the event, cursor and batch types shared by the
// fetcher, merge buffer and tail controller.
//
// Records order by (timestamp, sequence, id). Positions are deliberately
// loose: some backends hand out opaque cursor tokens, others only support
// "since this timestamp", and a few return both. Callers treat the zero
// Position as "no cursor yet".
package record
