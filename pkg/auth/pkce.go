package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// CodeVerifierMinLength and CodeVerifierMaxLength bound PKCE verifiers
	// per RFC 7636.
	CodeVerifierMinLength = 43
	CodeVerifierMaxLength = 128

	// CodeChallengeMethodS256 is the only accepted challenge method.
	CodeChallengeMethodS256 = "S256"

	// AuthorizationCodeLength is the length of a raw authorization code.
	AuthorizationCodeLength = 32
)

// ValidateCodeVerifier checks the verifier's length and alphabet.
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < CodeVerifierMinLength || len(verifier) > CodeVerifierMaxLength {
		return fmt.Errorf("code verifier must be %d-%d characters", CodeVerifierMinLength, CodeVerifierMaxLength)
	}
	if !IsAlphanumeric(verifier) {
		return fmt.Errorf("code verifier contains invalid characters")
	}
	return nil
}

// ValidateCodeChallenge checks the shape of a received S256 challenge. The
// challenge itself is opaque until exchange time.
func ValidateCodeChallenge(challenge, method string) error {
	if method != CodeChallengeMethodS256 {
		return fmt.Errorf("unsupported code challenge method %q", method)
	}
	if len(challenge) < CodeVerifierMinLength || len(challenge) > CodeVerifierMaxLength {
		return fmt.Errorf("code challenge must be %d-%d characters", CodeVerifierMinLength, CodeVerifierMaxLength)
	}
	return nil
}

// ComputeCodeChallenge derives the S256 challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func ComputeCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge checks a verifier against a stored challenge in
// constant time.
func VerifyCodeChallenge(verifier, challenge string) bool {
	derived := ComputeCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// HashAuthorizationCode hashes a raw authorization code for storage and
// lookup. Codes are short-lived, so an unsalted sha256 is sufficient and
// keeps lookup by (clientID, codeHash) a single indexed query.
func HashAuthorizationCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// NewAuthorizationCode generates a raw authorization code and its hash.
func NewAuthorizationCode() (code, codeHash string, err error) {
	code, err = RandomAlphanumeric(AuthorizationCodeLength)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return code, HashAuthorizationCode(code), nil
}
