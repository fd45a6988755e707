package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixedAndUnique(t *testing.T) {
	a := NewID("cnv")
	b := NewID("cnv")
	if !strings.HasPrefix(a, "cnv_") {
		t.Fatalf("expected cnv_ prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("expected unchanged, got %q", got)
	}
	if got := Truncate("olá mundo", 3); got != "olá..." {
		t.Fatalf("expected rune-aware cut, got %q", got)
	}
}
