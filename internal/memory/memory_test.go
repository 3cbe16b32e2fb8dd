package memory

import (
	"strings"
	"testing"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("Remember to rotate the API keys")
	b := Fingerprint("Remember to rotate the API keys")
	if a != b {
		t.Errorf("same content produced different fingerprints: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a))
	}
}

func TestFingerprintNormalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"case folded", "Hello World", "hello world", true},
		{"whitespace trimmed", "  note  ", "note", true},
		{"distinct content", "alpha", "beta", false},
		{"internal whitespace preserved", "a b", "a  b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.a) == Fingerprint(tt.b)
			if got != tt.same {
				t.Errorf("Fingerprint(%q) == Fingerprint(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestFingerprintBoundedPrefix(t *testing.T) {
	// Only the first 500 characters are inspected, so long content sharing
	// a 500-char prefix collides. Accepted behavior, asserted here so a
	// change is deliberate.
	prefix := strings.Repeat("x", 500)
	a := Fingerprint(prefix + "tail one")
	b := Fingerprint(prefix + "completely different tail")
	if a != b {
		t.Errorf("contents sharing a %d-char prefix should collide", 500)
	}
}

func TestNewDerivesHash(t *testing.T) {
	m := New("deploy notes for friday", []string{"ops"}, "note")
	if m.ContentHash != Fingerprint("deploy notes for friday") {
		t.Errorf("ContentHash = %q, want fingerprint of content", m.ContentHash)
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if !m.HasTag("ops") {
		t.Error("HasTag(ops) = false, want true")
	}
	if m.HasTag("missing") {
		t.Error("HasTag(missing) = true, want false")
	}
}
