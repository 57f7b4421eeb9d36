package util

import "testing"

func TestNewULID(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("ulid length: got %d and %d, want 26", len(a), len(b))
	}
	if a == b {
		t.Fatalf("consecutive ulids collide: %s", a)
	}
}
