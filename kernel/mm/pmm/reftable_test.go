package pmm

import "testing"

func TestRefTableAddRemove(t *testing.T) {
	var rt RefTable

	if rt.Contains(0x1000) {
		t.Fatal("expected untouched address to not be tracked")
	}

	if got := rt.Add(0x1000, 1); got != 2 {
		t.Fatalf("expected first Add to report count 2; got %d", got)
	}
	if got := rt.Add(0x1000, 2); got != 3 {
		t.Fatalf("expected second Add to report count 3; got %d", got)
	}
	if !rt.Contains(0x1000) {
		t.Fatal("expected shared address to be tracked")
	}

	if got := rt.Remove(0x1000); got != 2 {
		t.Fatalf("expected count 2 after one Remove; got %d", got)
	}
	if got := rt.Remove(0x1000); got != 1 {
		t.Fatalf("expected count 1 (untracked) after dropping to sole owner; got %d", got)
	}
	if rt.Contains(0x1000) {
		t.Fatal("expected entry to be removed once sole ownership is reached")
	}
}

func TestRefTableRemoveUntracked(t *testing.T) {
	var rt RefTable
	if got := rt.Remove(0xdead); got != 1 {
		t.Fatalf("expected Remove on untracked address to report 1; got %d", got)
	}
}
