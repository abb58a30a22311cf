package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestLedger(t *testing.T, basePort int) (*PortLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ports.json")
	l, err := NewPortLedger(path, basePort)
	if err != nil {
		t.Fatalf("NewPortLedger: %v", err)
	}
	return l, path
}

func TestPortLedgerAllocateSequential(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	for i, id := range []string{"a", "b", "c"} {
		port, err := l.Allocate(id)
		if err != nil {
			t.Fatalf("Allocate(%s): %v", id, err)
		}
		if port != 4000+i {
			t.Fatalf("Allocate(%s) = %d, want %d", id, port, 4000+i)
		}
	}
}

func TestPortLedgerAllocateIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	first, err := l.Allocate("blog")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := l.Allocate("blog")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first != second {
		t.Fatalf("repeat allocation changed port: %d then %d", first, second)
	}
}

func TestPortLedgerReleaseNeverReuses(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	if _, err := l.Allocate("blog"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Release("blog"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	port, err := l.Allocate("shop")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 4001 {
		t.Fatalf("released port was reused: got %d, want 4001", port)
	}
}

func TestPortLedgerReleaseUnknownIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	if err := l.Release("ghost"); err != nil {
		t.Fatalf("Release of unknown id: %v", err)
	}
}

func TestPortLedgerClaimBumpsNextPort(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	if err := l.Claim("custom", 4100); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	port, err := l.Allocate("next")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 4101 {
		t.Fatalf("allocation after claim = %d, want 4101", port)
	}
}

func TestPortLedgerClaimRejectsHeldPort(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	port, err := l.Allocate("blog")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Claim("shop", port); !errors.Is(err, ErrConflict) {
		t.Fatalf("claiming another app's port: got %v, want ErrConflict", err)
	}
	// The rejected claim must not disturb either mapping.
	next, err := l.Allocate("shop")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if next == port {
		t.Fatalf("shop ended up on blog's port %d", port)
	}
	again, _ := l.Allocate("blog")
	if again != port {
		t.Fatalf("blog's port changed: %d, want %d", again, port)
	}
}

func TestPortLedgerClaimOwnPortIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	port, err := l.Allocate("blog")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Claim("blog", port); err != nil {
		t.Fatalf("re-claiming own port: %v", err)
	}
}

func TestPortLedgerClaimMovesOwnPort(t *testing.T) {
	l, _ := newTestLedger(t, 4000)
	if _, err := l.Allocate("blog"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Claim("blog", 4100); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// The vacated port stays retired.
	port, err := l.Allocate("shop")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 4101 {
		t.Fatalf("Allocate after move = %d, want 4101", port)
	}
}

func TestPortLedgerPersistsAcrossReopen(t *testing.T) {
	l, path := newTestLedger(t, 4000)
	if _, err := l.Allocate("blog"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := l.Allocate("shop"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	reopened, err := NewPortLedger(path, 4000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	port, err := reopened.Allocate("blog")
	if err != nil {
		t.Fatalf("Allocate after reopen: %v", err)
	}
	if port != 4000 {
		t.Fatalf("existing assignment lost: got %d", port)
	}
	port, err = reopened.Allocate("wiki")
	if err != nil {
		t.Fatalf("Allocate after reopen: %v", err)
	}
	if port != 4002 {
		t.Fatalf("nextPort lost across reopen: got %d, want 4002", port)
	}
}
