// Package tail runs one polling loop per stream.
//
// A Controller owns a stream's cursor and merge buffer. It fetches pages
// through a fetch.Fetcher, merges them into the buffer and publishes the
// resulting deltas to subscribers in fetch-completion order. Each controller
// is a single goroutine driven by commands, fetch results and clock timers;
// only the fetch itself runs outside it. Manager tracks the open streams of a
// process and hands out Handles.
package tail
