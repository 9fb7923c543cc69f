// Package dberror classifies store errors so read handlers can retry blips and
// report outages as 503 instead of 500.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vionex/impact/utils/pkg/retry"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindUnavailable means the database could not be reached or dropped the connection.
	KindUnavailable
	KindTimeout
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// sqlStateKinds maps SQLSTATE classes and codes to a Kind. Codes are checked before
// their two-character class.
var sqlStateKinds = map[string]Kind{
	"08":    KindUnavailable, // connection exception
	"53":    KindUnavailable, // insufficient resources
	"57P01": KindUnavailable, // admin shutdown
	"57P02": KindUnavailable, // crash shutdown
	"57P03": KindUnavailable, // cannot connect now
	"57014": KindTimeout,     // query canceled (statement_timeout)
	"28":    KindAuth,        // invalid authorization
}

// Messages from pgx and the net stack that never reach us as typed errors.
var unavailableFragments = []string{
	"connection refused",
	"connection reset",
	"conn closed",
	"closed pool",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"failed to connect",
	"dial tcp",
}

func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if k, ok := sqlStateKinds[pgErr.Code]; ok {
			return k
		}
		if len(pgErr.Code) >= 2 {
			if k, ok := sqlStateKinds[pgErr.Code[:2]]; ok {
				return k
			}
		}
		return KindUnknown
	}

	if pgconn.Timeout(err) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range unavailableFragments {
		if strings.Contains(msg, frag) {
			return KindUnavailable
		}
	}
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "password authentication failed"):
		return KindAuth
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying. Caller cancellation and deadlines
// are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// UserMessage is the client-facing text for a database failure.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindUnavailable:
		return "Database temporarily unavailable. Please try again in a moment."
	case KindTimeout:
		return "Request timed out. Please try again."
	case KindAuth:
		return "Database authentication error. Please contact support."
	}
	return "An unexpected error occurred. Please try again."
}

// ReadConfig is the retry budget for idempotent store reads.
func ReadConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
		Retryable:   IsTransient,
	}
}

// Retry runs a read through retry.Do, retrying only transient database errors. Never
// use it for writes.
func Retry[T any](ctx context.Context, cfg retry.Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg.Retryable = IsTransient
	var out T
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
