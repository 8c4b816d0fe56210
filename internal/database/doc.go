// Package database tunes and monitors a *gorm.DB connection pool
// (max open/idle connections, lifetime, a background ping loop).
// Retry-with-backoff around individual operations lives in
// internal/store instead, since that concern is per-call, not per-pool.
package database
