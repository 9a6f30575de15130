package idgen

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

func TestUUIDv7_ParsesAndSorts(t *testing.T) {
	// WHAT: UUIDv7 ids parse back and are time-ordered.
	// WHY: watch listings rely on id order matching creation order.
	gen := UUIDv7()
	a, b := gen(), gen()
	if _, err := Parse(a); err != nil {
		t.Fatalf("Parse(%q): %v", a, err)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("w_", UUIDv7())()
	if !strings.HasPrefix(id, "w_") {
		t.Fatalf("got %q, want w_ prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "w_")); err != nil {
		t.Fatal(err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}

func TestOwner_Unique(t *testing.T) {
	// WHAT: successive owners differ only by the trailing counter.
	// WHY: a stale run must not release a lock re-acquired by a newer run.
	a, b := Owner(), Owner()
	if a == b {
		t.Fatalf("owners collide: %q", a)
	}
	parts := strings.Split(a, ":")
	if len(parts) != 3 {
		t.Fatalf("owner %q: want host:pid:n", a)
	}
	if parts[1] != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid part = %q", parts[1])
	}
}
