// Package identity implements the X-Pkg identity service: users, OAuth
// clients, bearer tokens, authorization codes, and email change requests.
package identity

import (
	"errors"
	"time"

	"github.com/xpkg-net/registry/pkg/auth"
)

const (
	// ClientIDPrefix and ClientIDDigits define the client identifier shape.
	ClientIDPrefix = "xpkg_id_"
	ClientIDDigits = 48

	// ClientSecretPrefix prefixes the secret returned once at registration.
	ClientSecretPrefix = "xpkg_secret_"
	// ClientSecretLength is the alphanumeric tail of a client secret.
	ClientSecretLength = 71

	// UserIDLength is the length of an opaque user identifier.
	UserIDLength = 32

	// AuthorizationCodeTTL bounds how long an unredeemed code lives.
	AuthorizationCodeTTL = 30 * time.Second
	// OAuthTokenTTL is the lifetime an authorization code grants its token.
	OAuthTokenTTL = 1 * time.Hour
	// EmailChangeTTL bounds a pending email change request.
	EmailChangeTTL = 1 * time.Hour

	// NameChangeInterval is the minimum wait between display name changes.
	NameChangeInterval = 30 * 24 * time.Hour

	// MaxIssuedTokens caps issued tokens per user.
	MaxIssuedTokens = 64
)

// Store-level sentinel errors, mapped to machine codes at the HTTP edge.
var (
	ErrNoSuchAccount = errors.New("no such account")
	ErrNoSuchClient  = errors.New("no such client")
	ErrNoSuchToken   = errors.New("no such token")
	ErrNoSuchCode    = errors.New("no such authorization code")
	ErrNoSuchRequest = errors.New("no such email change request")
	ErrDuplicate     = errors.New("duplicate record")
)

// User is an account on the identity service. Email is stored lower-cased;
// name is unique and changeable at most once per NameChangeInterval.
type User struct {
	UserID        string
	Email         string
	Name          string
	PasswordHash  string
	EmailVerified bool
	NameChangedAt *time.Time
	CreatedAt     time.Time
}

// Client is a registered OAuth client. Permissions caps the scopes it may
// request; DefaultExpiry is the token lifetime its codes grant, in seconds.
type Client struct {
	ClientID      string
	UserID        string
	Name          string
	Icon          string
	RedirectURIs  []string
	Permissions   auth.PermissionsNumber
	DefaultExpiry int64
	SecretHash    string
	CreatedAt     time.Time
}

// AllowsRedirect reports whether uri is in the client's closed redirect set.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Token is a persisted bearer token row. The secret is never stored, only
// its bcrypt hash.
type Token struct {
	TokenID     string
	UserID      string
	ClientID    string
	TokenType   auth.TokenType
	Name        string
	Description string
	SecretHash  string
	Permissions auth.PermissionsNumber
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UsedAt      *time.Time
}

// AuthorizationCode is a single-use PKCE code row, keyed (ClientID, CodeHash).
type AuthorizationCode struct {
	ClientID      string
	CodeHash      string
	UserID        string
	CodeChallenge string
	Permissions   auth.PermissionsNumber
	RedirectURI   string
	TokenExpiry   time.Time
	ExpiresAt     time.Time
}

// EmailChangeRequest tracks a pending address change. The store enforces at
// most one per user.
type EmailChangeRequest struct {
	RequestID string
	UserID    string
	NewEmail  string
	TokenID   string
	ExpiresAt time.Time
}

// NewClientID mints a client identifier.
func NewClientID() (string, error) {
	digits, err := auth.RandomNumeric(ClientIDDigits)
	if err != nil {
		return "", err
	}
	return ClientIDPrefix + digits, nil
}

// NewClientSecret mints the secret returned once at client registration.
func NewClientSecret() (string, error) {
	tail, err := auth.RandomAlphanumeric(ClientSecretLength)
	if err != nil {
		return "", err
	}
	return ClientSecretPrefix + tail, nil
}
