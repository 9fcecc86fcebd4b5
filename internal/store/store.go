// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// ErrPersistence wraps failures of the backing store so callers can
// distinguish storage trouble from workflow errors.
var ErrPersistence = errors.New("persistence failure")

// Repository defines the interface for persisting conversation contexts.
type Repository interface {
	// GetContext retrieves a session's context. Returns (nil, nil) when
	// no context exists for the session.
	GetContext(ctx context.Context, sessionID string) (*domain.Context, error)

	// PutContext creates or replaces a session's context atomically.
	PutContext(ctx context.Context, c *domain.Context) error

	// DeleteContext removes a session's context. Deleting an absent
	// session is not an error.
	DeleteContext(ctx context.Context, sessionID string) error

	// CleanupExpiredSessions removes contexts idle for longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
