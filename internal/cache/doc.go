// Package cache provides an optional Redis-backed read cache, used by
// internal/presence to avoid round-tripping ListOnline to the backend on
// every poll when cfg.Cache.Enabled.
package cache
