package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory Sink. Data is lost when the process
// terminates; suitable for tests, the demo driver, and single-process
// workflows that don't need durability. Adapted from the teacher module's
// MemStore.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record // uri -> record
}

// NewMemory returns an empty in-memory artifact sink.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Put stores data and returns a Record describing it. The content hash
// depends only on the bytes: same bytes (regardless of metadata) always
// produce the same hash. The URI is not derived from the content: each Put
// call is assigned a fresh ArtifactID and URI so distinct writes of
// identical content remain individually retrievable and auditable.
func (m *Memory) Put(_ context.Context, contentType string, data []byte, metadata map[string]any) (Record, error) {
	hash := hashOf(data)
	id := uuid.NewString()
	uri := fmt.Sprintf("saferun://artifacts/%s", id)

	record := Record{
		ArtifactID:  id,
		URI:         uri,
		ContentHash: hash,
		ContentType: contentType,
		SizeBytes:   len(data),
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
		Bytes:       append([]byte(nil), data...),
	}

	m.mu.Lock()
	m.records[uri] = record
	m.mu.Unlock()

	return record, nil
}

// Get returns the bytes stored under uri, re-verifying the content hash
// before returning them.
func (m *Memory) Get(_ context.Context, uri string) ([]byte, error) {
	m.mu.RLock()
	record, ok := m.records[uri]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if hashOf(record.Bytes) != record.ContentHash {
		return nil, ErrHashMismatch
	}
	return record.Bytes, nil
}

// Corrupt overwrites the stored bytes for uri without updating the
// recorded content hash, for exercising the hash-mismatch path in tests
// (scenario 6: artifact content-hash mismatch).
func (m *Memory) Corrupt(uri string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[uri]
	if !ok {
		return
	}
	record.Bytes = data
	m.records[uri] = record
}
