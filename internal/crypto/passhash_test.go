package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal — looks non-random", n)
	}

	zero := make([]byte, n)
	if bytes.Equal(a, zero) {
		t.Fatalf("RandBytes returned all zeros")
	}
}

func TestHashSecret_EncodingAndUniqueness(t *testing.T) {
	t.Parallel()

	h1, err := HashSecret("operator-secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.Contains(h1, "$") {
		t.Fatalf("encoded hash missing salt separator: %q", h1)
	}

	h2, err := HashSecret("operator-secret")
	if err != nil {
		t.Fatalf("HashSecret(2): %v", err)
	}
	if h1 == h2 {
		t.Fatalf("same secret hashed twice produced identical encodings, salt not random")
	}
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()

	encoded, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	if !VerifySecret("correct horse battery staple", encoded) {
		t.Fatalf("VerifySecret: expected true for correct secret")
	}
	if VerifySecret("wrong", encoded) {
		t.Fatalf("VerifySecret: expected false for wrong secret")
	}
	if VerifySecret("", encoded) {
		t.Fatalf("VerifySecret: expected false for empty secret")
	}
}

func TestVerifySecret_MalformedEncodings(t *testing.T) {
	t.Parallel()

	for _, enc := range []string{"", "nodollar", "$", "!!!$!!!", "YQ$", "$YQ"} {
		if VerifySecret("whatever", enc) {
			t.Fatalf("VerifySecret accepted malformed encoding %q", enc)
		}
	}
}
