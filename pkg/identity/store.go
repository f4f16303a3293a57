package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/xpkg-net/registry/pkg/auth"
	"github.com/xpkg-net/registry/pkg/storage"
)

// Store persists identity records in the primary store. Methods take a
// storage.Querier so callers holding a transaction pass it through and
// nested operations inherit it.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for callers that open their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// pgUniqueViolation is the SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// CreateUser inserts a new account. Email is lower-cased before storage.
func (s *Store) CreateUser(ctx context.Context, q storage.Querier, u *User) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO users (user_id, email, name, password_hash, email_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.UserID, strings.ToLower(u.Email), u.Name, u.PasswordHash, u.EmailVerified, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userColumns = `user_id, email, name, password_hash, email_verified, name_changed_at, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.Email, &u.Name, &u.PasswordHash, &u.EmailVerified, &u.NameChangedAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetUser fetches an account by id.
func (s *Store) GetUser(ctx context.Context, q storage.Querier, userID string) (*User, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
}

// GetUserByEmail fetches an account by lower-cased email.
func (s *Store) GetUserByEmail(ctx context.Context, q storage.Querier, email string) (*User, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

// UpdateUserName records a display name change and its timestamp.
func (s *Store) UpdateUserName(ctx context.Context, q storage.Querier, userID, name string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET name = $1, name_changed_at = $2 WHERE user_id = $3`,
		name, at, userID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to update user name: %w", err)
	}
	return requireRow(res, ErrNoSuchAccount)
}

// UpdateUserEmail replaces the account email and resets verification.
func (s *Store) UpdateUserEmail(ctx context.Context, q storage.Querier, userID, email string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET email = $1, email_verified = FALSE WHERE user_id = $2`,
		strings.ToLower(email), userID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to update user email: %w", err)
	}
	return requireRow(res, ErrNoSuchAccount)
}

// SetEmailVerified marks the account's address verified.
func (s *Store) SetEmailVerified(ctx context.Context, q storage.Querier, userID string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET email_verified = TRUE WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return requireRow(res, ErrNoSuchAccount)
}

// CreateClient registers an OAuth client.
func (s *Store) CreateClient(ctx context.Context, q storage.Querier, c *Client) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO clients (client_id, user_id, name, icon, redirect_uris, permissions, default_expiry, secret_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ClientID, c.UserID, c.Name, c.Icon, pq.Array(c.RedirectURIs),
		int64(c.Permissions), c.DefaultExpiry, c.SecretHash, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient fetches a registered client.
func (s *Store) GetClient(ctx context.Context, q storage.Querier, clientID string) (*Client, error) {
	var c Client
	var perms int64
	var uris pq.StringArray
	err := q.QueryRowContext(ctx,
		`SELECT client_id, user_id, name, icon, redirect_uris, permissions, default_expiry, secret_hash, created_at
		 FROM clients WHERE client_id = $1`, clientID).
		Scan(&c.ClientID, &c.UserID, &c.Name, &c.Icon, &uris, &perms, &c.DefaultExpiry, &c.SecretHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchClient
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c.RedirectURIs = []string(uris)
	c.Permissions = auth.PermissionsNumber(uint64(perms))
	return &c, nil
}

// UpdateClientSecret swaps in a freshly regenerated secret hash.
func (s *Store) UpdateClientSecret(ctx context.Context, q storage.Querier, clientID, secretHash string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE clients SET secret_hash = $1 WHERE client_id = $2`, secretHash, clientID)
	if err != nil {
		return fmt.Errorf("failed to update client secret: %w", err)
	}
	return requireRow(res, ErrNoSuchClient)
}

// CreateToken persists a freshly issued token row.
func (s *Store) CreateToken(ctx context.Context, q storage.Querier, t *Token) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tokens (token_id, user_id, client_id, token_type, name, description, secret_hash, permissions, expires_at, created_at, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.TokenID, t.UserID, nullString(t.ClientID), string(t.TokenType), t.Name, t.Description,
		t.SecretHash, int64(t.Permissions), t.ExpiresAt, t.CreatedAt, t.UsedAt)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetToken fetches a token row by its id segment.
func (s *Store) GetToken(ctx context.Context, q storage.Querier, tokenID string) (*Token, error) {
	var t Token
	var perms int64
	var clientID sql.NullString
	var tokenType string
	err := q.QueryRowContext(ctx,
		`SELECT token_id, user_id, client_id, token_type, name, description, secret_hash, permissions, expires_at, created_at, used_at
		 FROM tokens WHERE token_id = $1`, tokenID).
		Scan(&t.TokenID, &t.UserID, &clientID, &tokenType, &t.Name, &t.Description,
			&t.SecretHash, &perms, &t.ExpiresAt, &t.CreatedAt, &t.UsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	t.ClientID = clientID.String
	t.TokenType = auth.TokenType(tokenType)
	t.Permissions = auth.PermissionsNumber(uint64(perms))
	return &t, nil
}

// CountTokens counts live tokens of a type for a user, for the issued cap.
func (s *Store) CountTokens(ctx context.Context, q storage.Querier, userID string, tokenType auth.TokenType) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE user_id = $1 AND token_type = $2 AND expires_at > NOW()`,
		userID, string(tokenType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens: %w", err)
	}
	return n, nil
}

// DeleteToken revokes a token.
func (s *Store) DeleteToken(ctx context.Context, q storage.Querier, tokenID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return requireRow(res, ErrNoSuchToken)
}

// TouchTokenUsed stamps last use, best effort.
func (s *Store) TouchTokenUsed(ctx context.Context, q storage.Querier, tokenID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE tokens SET used_at = $1 WHERE token_id = $2`, at, tokenID)
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens sweeps token rows past expiry. Run from cron; replaces
// the TTL indexes of the original document store.
func (s *Store) DeleteExpiredTokens(ctx context.Context, q storage.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateAuthorizationCode persists a pending code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, q storage.Querier, c *AuthorizationCode) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO authorization_codes (client_id, code_hash, user_id, code_challenge, permissions, redirect_uri, token_expiry, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ClientID, c.CodeHash, c.UserID, c.CodeChallenge, int64(c.Permissions),
		c.RedirectURI, c.TokenExpiry, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create authorization code: %w", err)
	}
	return nil
}

// DeleteAuthorizationCode removes a code and returns the deleted row. The
// delete happens before any verification so a code has exactly one chance
// at redemption; callers verify against the returned copy inside the same
// transaction and roll nothing back on mismatch except the token mint.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, q storage.Querier, clientID, codeHash string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	var perms int64
	err := q.QueryRowContext(ctx,
		`DELETE FROM authorization_codes WHERE client_id = $1 AND code_hash = $2
		 RETURNING client_id, code_hash, user_id, code_challenge, permissions, redirect_uri, token_expiry, expires_at`,
		clientID, codeHash).
		Scan(&c.ClientID, &c.CodeHash, &c.UserID, &c.CodeChallenge, &perms,
			&c.RedirectURI, &c.TokenExpiry, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	c.Permissions = auth.PermissionsNumber(uint64(perms))
	return &c, nil
}

// DeleteExpiredCodes sweeps codes past their 30 second window.
func (s *Store) DeleteExpiredCodes(ctx context.Context, q storage.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateEmailChangeRequest records a pending change. The unique index on
// user_id enforces at most one pending request per account.
func (s *Store) CreateEmailChangeRequest(ctx context.Context, q storage.Querier, r *EmailChangeRequest) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO email_change_requests (request_id, user_id, new_email, token_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.RequestID, r.UserID, strings.ToLower(r.NewEmail), r.TokenID, r.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create email change request: %w", err)
	}
	return nil
}

// GetEmailChangeRequest fetches the pending request for a user.
func (s *Store) GetEmailChangeRequest(ctx context.Context, q storage.Querier, userID string) (*EmailChangeRequest, error) {
	var r EmailChangeRequest
	err := q.QueryRowContext(ctx,
		`SELECT request_id, user_id, new_email, token_id, expires_at
		 FROM email_change_requests WHERE user_id = $1`, userID).
		Scan(&r.RequestID, &r.UserID, &r.NewEmail, &r.TokenID, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email change request: %w", err)
	}
	return &r, nil
}

// DeleteEmailChangeRequest removes a pending request.
func (s *Store) DeleteEmailChangeRequest(ctx context.Context, q storage.Querier, userID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM email_change_requests WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete email change request: %w", err)
	}
	return requireRow(res, ErrNoSuchRequest)
}

// DeleteExpiredEmailChangeRequests sweeps requests past their hour window.
func (s *Store) DeleteExpiredEmailChangeRequests(ctx context.Context, q storage.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM email_change_requests WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep email change requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
