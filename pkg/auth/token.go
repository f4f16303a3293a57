package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenPrefix identifies X-Pkg tokens.
	TokenPrefix = "xpkg_"
	// TokenIDLength is the length of the token identifier segment.
	TokenIDLength = 32
	// TokenSecretLength is the length of the secret segment.
	TokenSecretLength = 71
	// tokenMinExpiryHexLength is the minimum width of the expiry segment.
	tokenMinExpiryHexLength = 8

	// tokenIDOffset and tokenSecretOffset are the fixed parse offsets.
	tokenIDOffset     = len(TokenPrefix)
	tokenSecretOffset = tokenIDOffset + TokenIDLength
	tokenExpiryOffset = tokenSecretOffset + TokenSecretLength

	// TokenMinLength is the shortest well-formed token.
	TokenMinLength = tokenExpiryOffset + tokenMinExpiryHexLength

	// BcryptCost is used for every secret hash in the system.
	BcryptCost = 12
)

// TokenType identifies what a token is good for.
type TokenType string

const (
	TokenTypeIdentity TokenType = "identity"
	TokenTypeRegistry TokenType = "registry"
	TokenTypeAction   TokenType = "action"
	TokenTypeForum    TokenType = "forum"
	TokenTypeStore    TokenType = "store"
	TokenTypeClient   TokenType = "client"
	TokenTypeOAuth    TokenType = "oauth"
	TokenTypeIssued   TokenType = "issued"
)

// Default TTLs by token type.
const (
	IdentityTokenTTL = 30 * time.Minute
	ActionTokenTTL   = 24 * time.Hour
)

// ErrMalformedToken is returned when a token string fails positional parsing.
var ErrMalformedToken = errors.New("malformed token")

// ErrExpiredToken is returned when the embedded or stored expiry has passed.
var ErrExpiredToken = errors.New("expired token")

// IssuedToken is the result of minting a new token. Full is handed to the
// caller exactly once; SecretHash is what gets persisted.
type IssuedToken struct {
	TokenID    string
	Secret     string
	SecretHash string
	Expiry     time.Time
	Full       string
}

// ParsedToken is the positional decomposition of an external token string.
type ParsedToken struct {
	TokenID string
	Secret  string
	Expiry  time.Time
}

// IssueToken mints a fresh token expiring at now+ttl. The external
// representation is TokenPrefix || id || secret || lower-case hex expiry.
func IssueToken(ttl time.Duration) (*IssuedToken, error) {
	id, err := RandomAlphanumeric(TokenIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token id: %w", err)
	}
	secret, err := RandomAlphanumeric(TokenSecretLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token secret: %w", err)
	}

	expiry := time.Now().Add(ttl).Truncate(time.Second)
	return &IssuedToken{
		TokenID:    id,
		Secret:     secret,
		SecretHash: string(hash),
		Expiry:     expiry,
		Full:       FormatToken(id, secret, expiry),
	}, nil
}

// FormatToken builds the external representation from its parts. The expiry
// hex is zero-padded to at least eight digits.
func FormatToken(tokenID, secret string, expiry time.Time) string {
	return fmt.Sprintf("%s%s%s%08x", TokenPrefix, tokenID, secret, expiry.Unix())
}

// ParseToken splits an external token string at the fixed offsets. It
// rejects tokens that are too short, carry a foreign prefix, contain
// non-alphanumeric id/secret segments, or whose embedded expiry has passed.
func ParseToken(token string) (*ParsedToken, error) {
	if len(token) < TokenMinLength {
		return nil, ErrMalformedToken
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrMalformedToken
	}

	id := token[tokenIDOffset:tokenSecretOffset]
	secret := token[tokenSecretOffset:tokenExpiryOffset]
	expiryHex := token[tokenExpiryOffset:]

	if !IsAlphanumeric(id) || !IsAlphanumeric(secret) {
		return nil, ErrMalformedToken
	}
	if strings.ToLower(expiryHex) != expiryHex {
		return nil, ErrMalformedToken
	}
	unix, err := strconv.ParseInt(expiryHex, 16, 64)
	if err != nil {
		return nil, ErrMalformedToken
	}

	expiry := time.Unix(unix, 0)
	if expiry.Before(time.Now()) {
		return nil, ErrExpiredToken
	}

	return &ParsedToken{TokenID: id, Secret: secret, Expiry: expiry}, nil
}

// VerifySecret checks a parsed secret against its stored bcrypt hash.
func VerifySecret(secret, secretHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) == nil
}

// HashPassword hashes a user password or client secret at the system cost.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against its bcrypt hash.
func VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
