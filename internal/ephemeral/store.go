// Package ephemeral is the TTL-bounded key/value and list store behind
// notification queues, document locks, change logs and message history.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnavailable    = errors.New("store unavailable")
)

// Store is the contract every backend implements. Lists are head-first:
// ListPush prepends and index 0 is the most recent entry. A zero ttl
// means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// SetIfAbsentOrEqual stores value when the key is absent, expired, or
	// already holds value, refreshing the ttl. It reports whether the write
	// happened and the value held after the call. The check and the write
	// are a single atomic step in every backend.
	SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error)
	// DeleteIfEqual removes the key only while it still holds value.
	DeleteIfEqual(ctx context.Context, key, value string) (bool, error)

	ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int) ([]string, error)
	ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error

	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by backends that need expired entries purged
// explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// listBounds converts redis-style inclusive indexes (negative counts from
// the tail) into a half-open slice range.
func listBounds(n, start, stop int) (int, int, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

// globMatch reports whether key matches pattern, where * matches any run of
// characters and ? matches exactly one.
func globMatch(pattern, key string) bool {
	p, k := 0, 0
	star, mark := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == key[k]):
			p++
			k++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = k
			p++
		case star >= 0:
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
