package storage

import (
	"context"
	"errors"
	"fmt"
)

// DefaultKeyPrefix namespaces cart snapshots inside a shared backend.
const DefaultKeyPrefix = "cart-storage"

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStorage is the durable key/value contract the cart store persists through.
// Implementations store opaque payloads; encoding is owned by the caller.
type SnapshotStorage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

func Key(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:%s", prefix, sessionID)
}
