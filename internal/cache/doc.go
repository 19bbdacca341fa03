// Package cache provides a two-tier caching system for serialized values.
// It includes an in-memory tier and a persistent disk tier with a JSON
// index, namespacing, per-entry TTLs, and priority-based eviction.
package cache
