// Package fetch turns paginated backend listings into uniform record batches.
//
// A Lister speaks one product's listing API. PageFetcher wraps a Lister and
// enforces the batch contract: a bounded page size, records at or after the
// requested position in ascending key order, and Complete=false whenever a
// page was cut short. Pool bounds concurrent fetches across every open
// stream; callers queue on it rather than fail. HTTPLister covers the three
// listing shapes the console's product APIs use (header cursor, id
// collection, since-token object) with gjson field paths.
//
// Failures are classified into ErrNetwork, ErrAuth and ErrMalformed and
// wrapped in *Error; IsRetryable and IsAuth drive the tail controller's
// retry policy.
package fetch
