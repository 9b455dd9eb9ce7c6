package artifact

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPutGetRoundTrip(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	record, err := sink.Put(ctx, "application/json", []byte(`{"a":1}`), map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if record.ContentHash == "" {
		t.Fatalf("expected a non-empty content hash")
	}

	data, err := sink.Get(ctx, record.URI)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("Get returned %q, want %q", data, `{"a":1}`)
	}
}

func TestMemoryGetUnknownURI(t *testing.T) {
	sink := NewMemory()
	_, err := sink.Get(context.Background(), "saferun://artifacts/does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCorruptTriggersHashMismatch(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	record, err := sink.Put(ctx, "application/json", []byte("original"), nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	sink.Corrupt(record.URI, []byte("tampered"))

	_, err = sink.Get(ctx, record.URI)
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}
