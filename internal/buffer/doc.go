// Package buffer holds the per-stream merge buffer: an ordered, deduplicated,
// capacity-bounded timeline of records.
//
// Every mutation returns a Delta naming exactly which records became visible
// and which were evicted, so subscribers can patch their views instead of
// re-rendering the full history. Backends that resend the boundary record of
// consecutive pages, or deliver shards out of order, are absorbed here.
package buffer
