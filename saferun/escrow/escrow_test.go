package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLockReleaseSplit(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	escrowID, err := sink.Lock(ctx, "wf-1", 100.0, "poster-1", "executor-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := sink.Release(ctx, escrowID, 40.0, "executor-1", "partial"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := sink.Released(escrowID); got != 40.0 {
		t.Fatalf("Released() = %f, want 40.0", got)
	}

	err = sink.Split(ctx, escrowID, []Split{
		{RecipientID: "executor-1", Amount: 54.0, Reason: "settlement"},
		{RecipientID: "supervisor-1", Amount: 6.0, Reason: "settlement"},
	})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := sink.Released(escrowID); got != 100.0 {
		t.Fatalf("Released() after split = %f, want 100.0", got)
	}
}

func TestMemoryRejectsOverRelease(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	escrowID, err := sink.Lock(ctx, "wf-1", 50.0, "poster-1", "executor-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	err = sink.Release(ctx, escrowID, 75.0, "executor-1", "too much")
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
	if got := sink.Released(escrowID); got != 0 {
		t.Fatalf("expected no partial release to be recorded, got %f", got)
	}
}

func TestMemorySplitIsAllOrNothing(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	escrowID, err := sink.Lock(ctx, "wf-1", 50.0, "poster-1", "executor-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	err = sink.Split(ctx, escrowID, []Split{
		{RecipientID: "executor-1", Amount: 40.0},
		{RecipientID: "supervisor-1", Amount: 20.0},
	})
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow for an over-budget split, got %v", err)
	}
	if got := sink.Released(escrowID); got != 0 {
		t.Fatalf("expected the batch to apply nothing when over budget, got %f", got)
	}
}

func TestMemoryUnknownEscrowID(t *testing.T) {
	sink := NewMemory()
	ctx := context.Background()

	if err := sink.Release(ctx, "does-not-exist", 1.0, "r", "reason"); !errors.Is(err, ErrUnknownEscrow) {
		t.Errorf("expected ErrUnknownEscrow from Release, got %v", err)
	}
	if err := sink.Split(ctx, "does-not-exist", nil); !errors.Is(err, ErrUnknownEscrow) {
		t.Errorf("expected ErrUnknownEscrow from Split, got %v", err)
	}
}
