// Package artifact provides a content-addressed store for serialized
// checkpoint snapshots: put bytes in, get a URI and a content hash back;
// later, dereference the URI to the original bytes. Three backends are
// provided — in-memory, SQLite, and MySQL — adapted from the teacher
// module's generic Store[S] (graph/store), which already solves exactly
// this "content-addressed snapshot store" shape for a different state
// type.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the given URI.
var ErrNotFound = errors.New("artifact: not found")

// Record is the persisted representation of one Put call.
type Record struct {
	ArtifactID  string
	URI         string
	ContentHash string // sha256 hex, "sha256:" prefixed
	ContentType string
	SizeBytes   int
	Metadata    map[string]any
	CreatedAt   time.Time
	Bytes       []byte
}

// Sink is the content-addressed store contract the orchestrator depends
// on. Implementations must re-verify the content hash on Get and return
// ErrHashMismatch if the stored bytes no longer hash to the recorded
// ContentHash (invariant I6 in the workflow spec this package supports).
type Sink interface {
	Put(ctx context.Context, contentType string, data []byte, metadata map[string]any) (Record, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// ErrHashMismatch is returned by Get when the bytes read back do not hash
// to the content hash recorded at write time.
var ErrHashMismatch = errors.New("artifact: content hash mismatch")

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
