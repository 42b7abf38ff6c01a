// Package snapshot persists serialized workflow engines keyed by flow id.
// A stored snapshot is reused only while its build timestamp matches the
// protocol's update time.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound 快照不存在
var ErrNotFound = errors.New("snapshot not found")

// Snapshot 一份引擎快照
type Snapshot struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	BuildTimestamp int64     `json:"build_timestamp"`
	Data           []byte    `json:"data"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store 快照存储
type Store interface {
	// Put replaces the snapshot under key and returns the new snapshot id.
	Put(ctx context.Context, key string, data []byte, buildTimestamp int64) (string, error)
	// Get returns ErrNotFound when key has no snapshot.
	Get(ctx context.Context, key string) (*Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// newSnapshot stamps a fresh id. ULIDs sort by creation time.
func newSnapshot(key string, data []byte, buildTimestamp int64) *Snapshot {
	return &Snapshot{
		ID:             ulid.Make().String(),
		Key:            key,
		BuildTimestamp: buildTimestamp,
		Data:           append([]byte(nil), data...),
		CreatedAt:      time.Now().UTC(),
	}
}
