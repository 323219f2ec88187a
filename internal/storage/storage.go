// Package storage defines checkpoint persistence and its implementations.
package storage

import (
	"context"

	"scoparia/internal/model"
)

// Storage persists one checkpoint per feed.
type Storage interface {
	// GetCheckpoint returns the checkpoint of a feed, or nil if none exists.
	GetCheckpoint(ctx context.Context, feedID string) (*model.FeedCheckpoint, error)
	// CommitCheckpoint durably replaces the checkpoint of cp.FeedID.
	CommitCheckpoint(ctx context.Context, cp model.FeedCheckpoint) error

	Close() error
}
