package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueToken_Format(t *testing.T) {
	issued, err := IssueToken(30 * time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if len(issued.Full) < TokenMinLength {
		t.Errorf("token length = %d, want >= %d", len(issued.Full), TokenMinLength)
	}
	if !strings.HasPrefix(issued.Full, TokenPrefix) {
		t.Errorf("token should start with %q, got %q", TokenPrefix, issued.Full)
	}

	// Positional fields must sit at the fixed offsets.
	if got := issued.Full[5:37]; got != issued.TokenID {
		t.Errorf("token[5:37] = %q, want token id %q", got, issued.TokenID)
	}
	if got := issued.Full[37:108]; got != issued.Secret {
		t.Errorf("token[37:108] = %q, want secret", got)
	}

	// The expiry hex must be lower-case and at least 8 digits.
	expiryHex := issued.Full[108:]
	if len(expiryHex) < 8 {
		t.Errorf("expiry hex length = %d, want >= 8", len(expiryHex))
	}
	if strings.ToLower(expiryHex) != expiryHex {
		t.Errorf("expiry hex should be lower-case, got %q", expiryHex)
	}
}

func TestIssueToken_SecretNeverStoredPlain(t *testing.T) {
	issued, err := IssueToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if issued.SecretHash == issued.Secret {
		t.Error("secret hash must not equal the secret")
	}
	if !VerifySecret(issued.Secret, issued.SecretHash) {
		t.Error("VerifySecret should accept the issued secret")
	}
	if VerifySecret("not-the-secret", issued.SecretHash) {
		t.Error("VerifySecret should reject a wrong secret")
	}
}

func TestParseToken_RoundTrip(t *testing.T) {
	issued, err := IssueToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parsed, err := ParseToken(issued.Full)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed.TokenID != issued.TokenID {
		t.Errorf("TokenID = %q, want %q", parsed.TokenID, issued.TokenID)
	}
	if parsed.Secret != issued.Secret {
		t.Errorf("Secret mismatch")
	}
	if !parsed.Expiry.Equal(issued.Expiry) {
		t.Errorf("Expiry = %v, want %v", parsed.Expiry, issued.Expiry)
	}
}

func TestParseToken_Rejections(t *testing.T) {
	valid := FormatToken(strings.Repeat("a", 32), strings.Repeat("b", 71), time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"too short", "xpkg_abc", ErrMalformedToken},
		{"wrong prefix", "spke_" + valid[5:], ErrMalformedToken},
		{"non-alphanumeric id", valid[:5] + "!" + valid[6:], ErrMalformedToken},
		{"upper-case expiry hex", valid[:len(valid)-1] + "A", ErrMalformedToken},
		{"expired", FormatToken(strings.Repeat("a", 32), strings.Repeat("b", 71), time.Now().Add(-time.Minute)), ErrExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token); err != tt.wantErr {
				t.Errorf("ParseToken(%q) error = %v, want %v", tt.token, err, tt.wantErr)
			}
		})
	}
}

func TestFormatToken_PadsShortExpiry(t *testing.T) {
	// An expiry below 0x10000000 must still render 8 hex digits.
	token := FormatToken(strings.Repeat("a", 32), strings.Repeat("b", 71), time.Unix(0xfffff, 0))
	if got := token[108:]; got != "000fffff" {
		t.Errorf("expiry hex = %q, want %q", got, "000fffff")
	}
}

func TestRandomAlphanumeric(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := RandomAlphanumeric(32)
		if err != nil {
			t.Fatalf("RandomAlphanumeric() error = %v", err)
		}
		if len(s) != 32 {
			t.Fatalf("length = %d, want 32", len(s))
		}
		if !IsAlphanumeric(s) {
			t.Fatalf("non-alphanumeric output %q", s)
		}
		if seen[s] {
			t.Fatalf("duplicate output %q", s)
		}
		seen[s] = true
	}
}
