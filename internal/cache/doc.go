// Package cache provides a size-bounded TTL cache used to hold tool listings
// and resolved service instances between refreshes.
package cache
