// Package textx contains tests for the text utilities.
package textx

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncateUnderLimit(t *testing.T) {
	got, cut := Truncate("short", 5000)
	if cut || got != "short" {
		t.Fatalf("unexpected: %q cut=%v", got, cut)
	}
}

func TestTruncateExactlyAtLimit(t *testing.T) {
	in := strings.Repeat("a", 5000)
	got, cut := Truncate(in, 5000)
	if cut {
		t.Fatal("string exactly at the limit must not be cut")
	}
	if len(got) != 5000 {
		t.Fatalf("length = %d, want 5000", len(got))
	}
}

func TestTruncateOverLimit(t *testing.T) {
	in := strings.Repeat("a", 6000)
	got, cut := Truncate(in, 5000)
	if !cut {
		t.Fatal("expected cut")
	}
	if len(got) != 5000 {
		t.Fatalf("length = %d, want 5000", len(got))
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	// Each rune is 3 bytes; a limit of 7 lands mid-rune.
	in := strings.Repeat("日", 4)
	got, cut := Truncate(in, 7)
	if !cut {
		t.Fatal("expected cut")
	}
	if len(got) > 7 {
		t.Fatalf("length = %d, exceeds limit", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("日", 2) {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncateZeroLimit(t *testing.T) {
	got, cut := Truncate("anything", 0)
	if got != "" || !cut {
		t.Fatalf("unexpected: %q cut=%v", got, cut)
	}
}
