package uuid

import (
	"testing"
	"time"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if _, err := goUUID.Parse(id1); err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if _, err := goUUID.Parse(id2); err != nil {
		t.Fatalf("id2 not valid UUID: %v", err)
	}
}

// TestGeneratorNewIDTimeOrdered ensures ids are version 7 and sort by creation.
func TestGeneratorNewIDTimeOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	parsed, err := goUUID.Parse(first)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	time.Sleep(2 * time.Millisecond)
	second, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if second <= first {
		t.Fatalf("expected %s to sort after %s", second, first)
	}
}

// TestNewRequestID ensures request ids are random v4 UUIDs.
func TestNewRequestID(t *testing.T) {
	t.Parallel()

	id := NewRequestID()
	parsed, err := goUUID.Parse(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected version 4, got %d", parsed.Version())
	}
}
