// Package ratelimit implements a sliding-window limiter with
// CheckAndRecord/Rollback over a pluggable WindowStore, so a
// single-process deployment and a multi-node one share the same
// semantics.
package ratelimit

import (
	"fmt"
	"time"
)

// Unlimited is the sentinel limit meaning "no cap".
const Unlimited = -1

// Result is the outcome of CheckAndRecord.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryAfter time.Duration
}

// WindowStore lets an in-process store and a Redis-backed one share
// the same limiter semantics. Both must give exactly-once accounting
// for Rollback to be meaningful (the most recent Record is the one
// undone).
type WindowStore interface {
	// Prune discards entries older than cutoff and returns the
	// remaining count for key.
	Prune(key string, cutoff time.Time) (int, error)
	// Record appends now to key's entry list.
	Record(key string, now time.Time) error
	// Rollback removes the most recently recorded entry for key, if any.
	Rollback(key string) error
	// OldestAfterPrune returns the oldest surviving entry for key, used
	// to compute ResetAt/RetryAfter. ok=false when key has no entries.
	OldestAfterPrune(key string) (oldest time.Time, ok bool, err error)
	// SweepEmpty evicts any keys with no live entries.
	SweepEmpty(cutoff time.Time) (evicted int, err error)
}

// Limiter enforces sliding-window limits over a WindowStore.
type Limiter struct {
	store WindowStore
}

func New(store WindowStore) *Limiter {
	return &Limiter{store: store}
}

// UserKey / PlatformKey build the two limiter key shapes.
func UserKey(userID, window string) string {
	return fmt.Sprintf("user:%s:%s", userID, window)
}

func PlatformKey(userID, platform, window string) string {
	return fmt.Sprintf("platform:%s:%s:%s", userID, platform, window)
}

// CheckAndRecord prunes entries older than now-window, and if the
// surviving count is already >= limit, denies without recording.
// Otherwise it records now and allows. limit == Unlimited always
// allows without touching the store.
func (l *Limiter) CheckAndRecord(key string, window time.Duration, limit int, now time.Time) (Result, error) {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: now.Add(window)}, nil
	}

	cutoff := now.Add(-window)
	count, err := l.store.Prune(key, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("prune window: %w", err)
	}

	resetAt := now.Add(window)
	if oldest, ok, oerr := l.store.OldestAfterPrune(key); oerr == nil && ok {
		resetAt = oldest.Add(window)
	}

	if count >= limit {
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	if err := l.store.Record(key, now); err != nil {
		return Result{}, fmt.Errorf("record window entry: %w", err)
	}
	remaining := limit - (count + 1)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}, nil
}

// Rollback undoes the most recent Record for key. Used when a later
// check in the same request (e.g. the platform check) denies, so the
// earlier speculative user-tier record doesn't consume quota it never
// should have.
func (l *Limiter) Rollback(key string) error {
	return l.store.Rollback(key)
}

// Sweep evicts keys with no live entries older than cutoff.
func (l *Limiter) Sweep(cutoff time.Time) (int, error) {
	return l.store.SweepEmpty(cutoff)
}

// Headers renders the most-restrictive result into the standard
// X-RateLimit-{Limit,Remaining,Reset} / Retry-After header values.
// Values are pre-formatted strings so callers can set them directly
// without knowing limiter internals.
func Headers(r Result) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", r.Limit),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", r.Remaining),
		"X-RateLimit-Reset":     fmt.Sprintf("%d", r.ResetAt.Unix()),
	}
	if !r.Allowed {
		h["Retry-After"] = fmt.Sprintf("%d", int(r.RetryAfter.Seconds()))
	}
	return h
}

// MostRestrictive picks the result response headers should reflect:
// the first denial wins, else the smallest remaining count.
func MostRestrictive(results ...Result) Result {
	var best Result
	set := false
	for _, r := range results {
		if !set {
			best = r
			set = true
			continue
		}
		if !r.Allowed && best.Allowed {
			best = r
			continue
		}
		if r.Allowed && best.Allowed && r.Limit != Unlimited && (best.Limit == Unlimited || r.Remaining < best.Remaining) {
			best = r
		}
	}
	return best
}
