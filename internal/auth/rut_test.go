package auth

import "testing"

func TestValidRUT(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"12.345.678-5", true},
		{"12345678-5", true},
		{"123456785", true},
		{"11.111.111-1", true},
		{"12.345.678-4", false},
		{"1234567", false},
		{"1234567890", false},
		{"12a45678-5", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidRUT(tc.in); got != tc.want {
			t.Errorf("ValidRUT(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRUTVerifierSpecialDigits(t *testing.T) {
	// 11 maps to 0 and 10 maps to K.
	if v, _ := rutVerifier("10000004"); v != "0" {
		t.Fatalf("expected verifier 0, got %q", v)
	}
	if v, _ := rutVerifier("10000013"); v != "K" {
		t.Fatalf("expected verifier K, got %q", v)
	}
	if !ValidRUT("10.000.013-k") {
		t.Fatal("lower-case k verifier must validate")
	}
}

func TestNormalizeRUT(t *testing.T) {
	got, err := NormalizeRUT(" 12.345.678-5 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "12345678-5" {
		t.Fatalf("unexpected rut %q", got)
	}
	if _, err := NormalizeRUT("12.345.678-0"); err != ErrInvalidIdentifier {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestMasking(t *testing.T) {
	if got := MaskEmail("camila@example.com"); got != "ca***@example.com" {
		t.Fatalf("unexpected email mask %q", got)
	}
	if got := MaskEmail("a@b.cl"); got != "a***@b.cl" {
		t.Fatalf("unexpected short email mask %q", got)
	}
	if got := MaskEmail("nope"); got != "" {
		t.Fatalf("expected empty mask, got %q", got)
	}
	if got := MaskPhone("+56912345678"); got != "***5678" {
		t.Fatalf("unexpected phone mask %q", got)
	}
}
