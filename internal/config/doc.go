// Package config loads, normalizes, and validates livetail configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and honours the LIVETAIL_APP_KEY, LIVETAIL_APP_SECRET and
// LIVETAIL_CONSUMER_KEY environment fallbacks. The [[streams]] table declares
// which backend listings can be tailed and how their JSON maps onto records;
// StreamSettings merges a stream's overrides onto the [tail] defaults.
package config
