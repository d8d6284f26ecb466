package task

import (
	"context"
	"time"
)

// Store is the persistence contract for paused tasks. Save upserts by ID,
// Load returns (nil, nil) for absent or expired records, and Delete is a
// no-op for absent records.
type Store interface {
	Save(ctx context.Context, task Task) error
	Load(ctx context.Context, taskID string) (*Task, error)
	Delete(ctx context.Context, taskID string) error
}

type Lister interface {
	List(ctx context.Context) ([]Task, error)
}

type Clearer interface {
	Clear(ctx context.Context) error
}

// Sweeper is implemented by stores without native expiry.
type Sweeper interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
