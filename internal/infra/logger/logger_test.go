package logger

import (
	"context"
	"testing"
)

func TestMaskEmail(t *testing.T) {
	if got := MaskEmail(""); got != "" {
		t.Fatalf("MaskEmail(\"\") = %q, want empty", got)
	}

	cases := map[string]string{
		"ada.lovelace@example.com": "ada***@example.com",
		"al@example.com":           "al***@example.com",
		"not-an-email":             "***",
	}
	for input, want := range cases {
		if got := MaskEmail(input); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"192.168.1.100":                           "192.168.*.*",
		"2001:0db8:85a3:0000:0000:8a2e:0370:7334": "2001:0db8:85a3:0000:*:*:*:*",
		"localhost":                               "***",
	}
	for input, want := range cases {
		if got := MaskIP(input); got != want {
			t.Fatalf("MaskIP(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRequestIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
