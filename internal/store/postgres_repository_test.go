package store

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("p.", "id, reference_key,status")
	want := "p.id, p.reference_key, p.status"
	if got != want {
		t.Fatalf("prefixColumns() = %q, want %q", got, want)
	}
}

func TestTruncateReason(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		wantLen int
	}{
		{name: "short reason kept", reason: "broker unavailable", wantLen: len("broker unavailable")},
		{name: "long reason cut", reason: strings.Repeat("x", 2500), wantLen: 2000},
		{name: "empty", reason: "", wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateReason(tt.reason); len(got) != tt.wantLen {
				t.Fatalf("expected length %d, got %d", tt.wantLen, len(got))
			}
		})
	}
}

func TestTruncateReason_KeepsRunesWhole(t *testing.T) {
	// 1999 ASCII bytes then a 3-byte rune straddling the limit.
	reason := strings.Repeat("a", 1999) + "€" + "tail"

	got := truncateReason(reason)
	if !utf8.ValidString(got) {
		t.Fatal("expected valid UTF-8 after truncation")
	}
	if len(got) != 1999 {
		t.Fatalf("expected cut before the split rune, got length %d", len(got))
	}
}

func TestDuplicateError(t *testing.T) {
	if err := duplicateError("payments_external_user_key"); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected duplicate payment, got %v", err)
	}
	if err := duplicateError("payments_reference_key_key"); !errors.Is(err, ErrDuplicateReferenceKey) {
		t.Fatalf("expected duplicate reference key, got %v", err)
	}
}
