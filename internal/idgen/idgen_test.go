package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct IDs")
	}
	if !Valid(a, "") {
		t.Errorf("New() = %q is not a UUID", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("asm_")
	if !strings.HasPrefix(id, "asm_") || len(id) != len("asm_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if !Valid(id, "asm_") {
		t.Errorf("%q should validate with its prefix", id)
	}
	if Valid(id, "req_") {
		t.Errorf("%q should not validate with another prefix", id)
	}
}

func TestWithPrefixIsTimeOrdered(t *testing.T) {
	prev := WithPrefix("asm_")
	for i := 0; i < 100; i++ {
		next := WithPrefix("asm_")
		if next <= prev {
			t.Fatalf("IDs not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
