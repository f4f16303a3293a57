package identity

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/async"
	"github.com/xpkg-net/registry/pkg/auth"
	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/mailer"
	"github.com/xpkg-net/registry/pkg/storage"
	"github.com/xpkg-net/registry/pkg/validation"
)

// Service implements identity operations on top of the store and the
// external ports.
type Service struct {
	store  *Store
	mail   mailer.Mailer
	human  HumanChecker
	log    *logrus.Logger
	portal string
}

// NewService wires the identity service.
func NewService(store *Store, mail mailer.Mailer, human HumanChecker, log *logrus.Logger, portalURL string) *Service {
	return &Service{store: store, mail: mail, human: human, log: log, portal: portalURL}
}

// Signup creates an account and sends the verification mail. The returned
// session token is the caller's login.
func (s *Service) Signup(ctx context.Context, email, name, password, humanToken, clientIP string) (*User, string, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, "", err
	}
	if err := validation.ValidateName(name); err != nil {
		return nil, "", err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, "", err
	}
	ok, err := s.human.Verify(ctx, humanToken, clientIP)
	if err != nil {
		return nil, "", fmt.Errorf("human check failed: %w", err)
	}
	if !ok {
		return nil, "", httputil.NewCodedError(http.StatusTeapot, httputil.CodeHumanCheck, "human check score too low")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	userID, err := auth.RandomAlphanumeric(UserIDLength)
	if err != nil {
		return nil, "", err
	}

	user := &User{
		UserID:       userID,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, s.store.DB(), user); err != nil {
		if err == ErrDuplicate {
			return nil, "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNameExists, "email or name already registered")
		}
		return nil, "", err
	}

	session, err := s.issueToken(ctx, s.store.DB(), user.UserID, "", auth.TokenTypeIdentity,
		auth.EncodeScopes(auth.ScopeIdentity), auth.IdentityTokenTTL)
	if err != nil {
		return nil, "", err
	}

	s.sendVerificationMail(ctx, user)
	return user, session.Full, nil
}

// Login checks credentials and issues a fresh session token. Failures are
// categorical; nothing distinguishes a missing account from a bad password.
func (s *Service) Login(ctx context.Context, email, password, humanToken, clientIP string) (string, error) {
	ok, err := s.human.Verify(ctx, humanToken, clientIP)
	if err != nil {
		return "", fmt.Errorf("human check failed: %w", err)
	}
	if !ok {
		return "", httputil.NewCodedError(http.StatusTeapot, httputil.CodeHumanCheck, "human check score too low")
	}

	user, err := s.store.GetUserByEmail(ctx, s.store.DB(), email)
	if err == ErrNoSuchAccount {
		return "", httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "unknown email")
	}
	if err != nil {
		return "", err
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		return "", httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "bad password")
	}

	session, err := s.issueToken(ctx, s.store.DB(), user.UserID, "", auth.TokenTypeIdentity,
		auth.EncodeScopes(auth.ScopeIdentity), auth.IdentityTokenTTL)
	if err != nil {
		return "", err
	}
	return session.Full, nil
}

// ValidateToken parses an external token string, loads its row, and checks
// the secret. The caller then checks scopes against Token.Permissions.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Token, error) {
	parsed, err := auth.ParseToken(tokenStr)
	if err != nil {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, err.Error())
	}

	row, err := s.store.GetToken(ctx, s.store.DB(), parsed.TokenID)
	if err == ErrNoSuchToken {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "unknown token id")
	}
	if err != nil {
		return nil, err
	}
	if row.ExpiresAt.Before(time.Now()) {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "token expired in store")
	}
	if !auth.VerifySecret(parsed.Secret, row.SecretHash) {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "secret mismatch")
	}

	async.SafeGo(s.log, "token-touch", func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchTokenUsed(touchCtx, s.store.DB(), row.TokenID, time.Now()); err != nil {
			s.log.WithError(err).Warn("failed to stamp token use")
		}
	})
	return row, nil
}

// ResolveUserID satisfies the middleware's token resolver: it maps a bearer
// token to the account it belongs to, for rate-limit keying only.
func (s *Service) ResolveUserID(ctx context.Context, tokenStr string) (string, error) {
	row, err := s.ValidateToken(ctx, tokenStr)
	if err != nil {
		return "", err
	}
	return row.UserID, nil
}

// ConsumeActionToken validates a single-use action token carrying the given
// scope and deletes it so it cannot be replayed.
func (s *Service) ConsumeActionToken(ctx context.Context, tokenStr string, scope auth.Scope) (*Token, error) {
	row, err := s.ValidateToken(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	if row.TokenType != auth.TokenTypeAction || !auth.HasAllScopes(row.Permissions, scope) {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "wrong token kind or scope")
	}
	if err := s.store.DeleteToken(ctx, s.store.DB(), row.TokenID); err != nil {
		if err == ErrNoSuchToken {
			// Lost the race with a concurrent consumer.
			return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "token already used")
		}
		return nil, err
	}
	return row, nil
}

// GetAccount fetches an account by id, for sibling services that need the
// display name and email behind a token.
func (s *Service) GetAccount(ctx context.Context, userID string) (*User, error) {
	return s.store.GetUser(ctx, s.store.DB(), userID)
}

// RegisterClient creates an OAuth client. The secret is returned exactly
// once and only its hash is stored.
func (s *Service) RegisterClient(ctx context.Context, userID, name, icon string, redirectURIs []string, permissions auth.PermissionsNumber, defaultExpiry int64) (*Client, string, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, "", err
	}
	if len(redirectURIs) == 0 {
		return nil, "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeExtraArr, "at least one redirect uri required")
	}
	for _, u := range redirectURIs {
		parsed, err := url.Parse(u)
		if err != nil || !parsed.IsAbs() {
			return nil, "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeExtraArr, "redirect uri must be absolute")
		}
	}
	if auth.HasAnyScope(permissions, auth.ScopeIdentity) {
		return nil, "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidPerm, "clients may not hold the Identity scope")
	}

	clientID, err := NewClientID()
	if err != nil {
		return nil, "", err
	}
	secret, err := NewClientSecret()
	if err != nil {
		return nil, "", err
	}
	secretHash, err := auth.HashPassword(secret)
	if err != nil {
		return nil, "", err
	}

	client := &Client{
		ClientID:      clientID,
		UserID:        userID,
		Name:          name,
		Icon:          icon,
		RedirectURIs:  redirectURIs,
		Permissions:   permissions,
		DefaultExpiry: defaultExpiry,
		SecretHash:    secretHash,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateClient(ctx, s.store.DB(), client); err != nil {
		if err == ErrDuplicate {
			return nil, "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNameInUse, "client name in use")
		}
		return nil, "", err
	}
	return client, secret, nil
}

// RegenerateClientSecret mints a new secret for a client the caller owns.
func (s *Service) RegenerateClientSecret(ctx context.Context, userID, clientID string) (string, error) {
	client, err := s.store.GetClient(ctx, s.store.DB(), clientID)
	if err == ErrNoSuchClient {
		return "", httputil.NewCodedError(http.StatusNotFound, httputil.CodeNotFound, "no such client")
	}
	if err != nil {
		return "", err
	}
	if client.UserID != userID {
		return "", httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "client owned by another user")
	}

	secret, err := NewClientSecret()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateClientSecret(ctx, s.store.DB(), clientID, hash); err != nil {
		return "", err
	}
	return secret, nil
}

// AuthorizeParams carries the authorize request query parameters.
type AuthorizeParams struct {
	ClientID            string
	State               string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// Authorize validates an interactive authorize request for an authenticated
// user and returns the redirect URL carrying code and state.
func (s *Service) Authorize(ctx context.Context, userID string, p AuthorizeParams) (string, error) {
	if p.ResponseType != "code" {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidClient, "unsupported response type")
	}
	if err := auth.ValidateCodeChallenge(p.CodeChallenge, p.CodeChallengeMethod); err != nil {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidClient, err.Error())
	}

	scopes, err := auth.ParseScopeString(p.Scope)
	if err != nil {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidPerm, err.Error())
	}
	requested := auth.EncodeScopes(scopes...)
	if auth.HasAnyScope(requested, auth.ScopeIdentity) {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidPerm, "Identity scope is not grantable")
	}

	client, err := s.store.GetClient(ctx, s.store.DB(), p.ClientID)
	if err == ErrNoSuchClient {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidClient, "unknown client")
	}
	if err != nil {
		return "", err
	}
	if !client.AllowsRedirect(p.RedirectURI) {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidClient, "redirect uri not registered")
	}
	if !auth.HasAllScopes(client.Permissions, scopes...) {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidPerm, "scope exceeds client grant")
	}

	code, codeHash, err := auth.NewAuthorizationCode()
	if err != nil {
		return "", err
	}
	now := time.Now()
	record := &AuthorizationCode{
		ClientID:      client.ClientID,
		CodeHash:      codeHash,
		UserID:        userID,
		CodeChallenge: p.CodeChallenge,
		Permissions:   requested,
		RedirectURI:   p.RedirectURI,
		TokenExpiry:   now.Add(OAuthTokenTTL),
		ExpiresAt:     now.Add(AuthorizationCodeTTL),
	}
	if err := s.store.CreateAuthorizationCode(ctx, s.store.DB(), record); err != nil {
		return "", err
	}

	redirect, err := url.Parse(p.RedirectURI)
	if err != nil {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidClient, "redirect uri is malformed")
	}
	qs := redirect.Query()
	qs.Set("code", code)
	qs.Set("state", p.State)
	redirect.RawQuery = qs.Encode()
	return redirect.String(), nil
}

// ExchangeParams carries the token endpoint body.
type ExchangeParams struct {
	GrantType    string
	ClientID     string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientSecret string
}

// Exchange redeems an authorization code for an OAuth token. The code row
// is deleted atomically before any verification, so a code gets exactly one
// redemption attempt regardless of concurrency. Every failure after the
// delete is the same opaque invalid_grant.
func (s *Service) Exchange(ctx context.Context, p ExchangeParams) (string, error) {
	if p.GrantType != "authorization_code" {
		return "", errInvalidGrant("unsupported grant type")
	}
	if err := auth.ValidateCodeVerifier(p.CodeVerifier); err != nil {
		return "", errInvalidGrant(err.Error())
	}

	client, err := s.store.GetClient(ctx, s.store.DB(), p.ClientID)
	if err == ErrNoSuchClient {
		return "", errInvalidGrant("unknown client")
	}
	if err != nil {
		return "", err
	}

	// Single-shot redemption: the DELETE ... RETURNING commits immediately,
	// so a losing concurrent redeemer sees no row even if this attempt's
	// later checks fail.
	code, err := s.store.DeleteAuthorizationCode(ctx, s.store.DB(), client.ClientID, auth.HashAuthorizationCode(p.Code))
	if err == ErrNoSuchCode {
		return "", errInvalidGrant("unknown or already redeemed code")
	}
	if err != nil {
		return "", err
	}

	if code.ExpiresAt.Before(time.Now()) {
		return "", errInvalidGrant("code expired")
	}
	if !auth.VerifyCodeChallenge(p.CodeVerifier, code.CodeChallenge) {
		return "", errInvalidGrant("verifier mismatch")
	}
	if code.RedirectURI != p.RedirectURI {
		return "", errInvalidGrant("redirect uri mismatch")
	}
	if client.SecretHash != "" && !auth.VerifyPassword(p.ClientSecret, client.SecretHash) {
		return "", errInvalidGrant("client secret mismatch")
	}

	issued, err := s.issueTokenUntil(ctx, s.store.DB(), code.UserID, client.ClientID,
		auth.TokenTypeOAuth, code.Permissions, code.TokenExpiry)
	if err != nil {
		return "", err
	}
	return issued.Full, nil
}

func errInvalidGrant(msg string) error {
	return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidGrant, msg)
}

// IssueAccessToken mints a long-lived issued token for API use, subject to
// the per-user cap.
func (s *Service) IssueAccessToken(ctx context.Context, userID, name, description string, permissions auth.PermissionsNumber, ttl time.Duration) (string, error) {
	if auth.HasAnyScope(permissions, auth.ScopeIdentity) {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidPerm, "issued tokens may not hold Identity")
	}
	n, err := s.store.CountTokens(ctx, s.store.DB(), userID, auth.TokenTypeIssued)
	if err != nil {
		return "", err
	}
	if n >= MaxIssuedTokens {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeTooManyTokens, "issued token cap reached")
	}

	issued, err := s.issueToken(ctx, s.store.DB(), userID, "", auth.TokenTypeIssued, permissions, ttl)
	if err != nil {
		return "", err
	}
	if name != "" || description != "" {
		// Name and description are cosmetic; attach after the fact.
		_, err = s.store.DB().ExecContext(ctx,
			`UPDATE tokens SET name = $1, description = $2 WHERE token_id = $3`,
			name, description, issued.TokenID)
		if err != nil {
			s.log.WithError(err).Warn("failed to label issued token")
		}
	}
	return issued.Full, nil
}

// RequestEmailChange opens a pending change to a new address. The new
// address receives a confirmation action token; the old address receives a
// revoke token. At most one request per user may be pending.
func (s *Service) RequestEmailChange(ctx context.Context, userID, newEmail string) error {
	if err := validation.ValidateEmail(newEmail); err != nil {
		return err
	}
	user, err := s.store.GetUser(ctx, s.store.DB(), userID)
	if err != nil {
		return err
	}

	confirm, err := s.issueToken(ctx, s.store.DB(), userID, "", auth.TokenTypeAction,
		auth.EncodeScopes(auth.ScopeEmailChange), auth.ActionTokenTTL)
	if err != nil {
		return err
	}
	revoke, err := s.issueToken(ctx, s.store.DB(), userID, "", auth.TokenTypeAction,
		auth.EncodeScopes(auth.ScopeEmailChangeRevoke), auth.ActionTokenTTL)
	if err != nil {
		return err
	}

	request := &EmailChangeRequest{
		RequestID: uuid.NewString(),
		UserID:    userID,
		NewEmail:  newEmail,
		TokenID:   confirm.TokenID,
		ExpiresAt: time.Now().Add(EmailChangeTTL),
	}
	if err := s.store.CreateEmailChangeRequest(ctx, s.store.DB(), request); err != nil {
		if err == ErrDuplicate {
			return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNoChange, "a change request is already pending")
		}
		return err
	}

	s.sendMail(ctx, newEmail, "Confirm your new X-Pkg email",
		fmt.Sprintf("Confirm this address: %s/email/confirm?token=%s", s.portal, confirm.Full))
	s.sendMail(ctx, user.Email, "X-Pkg email change requested",
		fmt.Sprintf("If this was not you, revoke it: %s/email/revoke?token=%s", s.portal, revoke.Full))
	return nil
}

// ConfirmEmailChange applies a pending change using the confirmation token
// sent to the new address. Request deletion and the address swap share one
// transaction.
func (s *Service) ConfirmEmailChange(ctx context.Context, tokenStr string) error {
	row, err := s.ConsumeActionToken(ctx, tokenStr, auth.ScopeEmailChange)
	if err != nil {
		return err
	}

	return storage.WithTx(ctx, s.store.DB(), func(tx *sql.Tx) error {
		request, err := s.store.GetEmailChangeRequest(ctx, tx, row.UserID)
		if err == ErrNoSuchRequest {
			return httputil.NewCodedError(http.StatusNotFound, httputil.CodeNotFound, "no pending change")
		}
		if err != nil {
			return err
		}
		if request.ExpiresAt.Before(time.Now()) {
			return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeUnauthorized, "change request expired")
		}
		if err := s.store.UpdateUserEmail(ctx, tx, row.UserID, request.NewEmail); err != nil {
			if err == ErrDuplicate {
				return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeBadEmail, "address already registered")
			}
			return err
		}
		return s.store.DeleteEmailChangeRequest(ctx, tx, row.UserID)
	})
}

// RevokeEmailChange cancels a pending change using the token sent to the
// old address.
func (s *Service) RevokeEmailChange(ctx context.Context, tokenStr string) error {
	row, err := s.ConsumeActionToken(ctx, tokenStr, auth.ScopeEmailChangeRevoke)
	if err != nil {
		return err
	}
	err = s.store.DeleteEmailChangeRequest(ctx, s.store.DB(), row.UserID)
	if err == ErrNoSuchRequest {
		return httputil.NewCodedError(http.StatusNotFound, httputil.CodeNotFound, "no pending change")
	}
	return err
}

// VerifyEmail marks the account address verified via its action token.
func (s *Service) VerifyEmail(ctx context.Context, tokenStr string) error {
	row, err := s.ConsumeActionToken(ctx, tokenStr, auth.ScopeEmailVerification)
	if err != nil {
		return err
	}
	return s.store.SetEmailVerified(ctx, s.store.DB(), row.UserID)
}

// ChangeName updates the display name, at most once per NameChangeInterval.
func (s *Service) ChangeName(ctx context.Context, userID, newName string) error {
	if err := validation.ValidateName(newName); err != nil {
		return err
	}
	user, err := s.store.GetUser(ctx, s.store.DB(), userID)
	if err != nil {
		return err
	}
	if user.Name == newName {
		return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNoChange, "name unchanged")
	}
	if user.NameChangedAt != nil && time.Since(*user.NameChangedAt) < NameChangeInterval {
		return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeTooSoon, "name changed within the last 30 days")
	}

	err = s.store.UpdateUserName(ctx, s.store.DB(), userID, newName, time.Now())
	if err == ErrDuplicate {
		return httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNameExists, "name taken")
	}
	return err
}

// SweepExpired removes expired tokens, codes, and email change requests.
// Run from cron; stands in for the original TTL indexes.
func (s *Service) SweepExpired(ctx context.Context) {
	if n, err := s.store.DeleteExpiredTokens(ctx, s.store.DB()); err != nil {
		s.log.WithError(err).Error("token sweep failed")
	} else if n > 0 {
		s.log.WithField("deleted", n).Debug("swept expired tokens")
	}
	if _, err := s.store.DeleteExpiredCodes(ctx, s.store.DB()); err != nil {
		s.log.WithError(err).Error("authorization code sweep failed")
	}
	if _, err := s.store.DeleteExpiredEmailChangeRequests(ctx, s.store.DB()); err != nil {
		s.log.WithError(err).Error("email change sweep failed")
	}
}

func (s *Service) issueToken(ctx context.Context, q storage.Querier, userID, clientID string, tokenType auth.TokenType, permissions auth.PermissionsNumber, ttl time.Duration) (*auth.IssuedToken, error) {
	return s.persistIssued(ctx, q, userID, clientID, tokenType, permissions, time.Now().Add(ttl))
}

func (s *Service) issueTokenUntil(ctx context.Context, q storage.Querier, userID, clientID string, tokenType auth.TokenType, permissions auth.PermissionsNumber, expiry time.Time) (*auth.IssuedToken, error) {
	return s.persistIssued(ctx, q, userID, clientID, tokenType, permissions, expiry)
}

func (s *Service) persistIssued(ctx context.Context, q storage.Querier, userID, clientID string, tokenType auth.TokenType, permissions auth.PermissionsNumber, expiry time.Time) (*auth.IssuedToken, error) {
	issued, err := auth.IssueToken(time.Until(expiry))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	row := &Token{
		TokenID:     issued.TokenID,
		UserID:      userID,
		ClientID:    clientID,
		TokenType:   tokenType,
		SecretHash:  issued.SecretHash,
		Permissions: permissions,
		ExpiresAt:   issued.Expiry,
		CreatedAt:   now,
		UsedAt:      &now,
	}
	if err := s.store.CreateToken(ctx, q, row); err != nil {
		return nil, err
	}
	return issued, nil
}

func (s *Service) sendVerificationMail(ctx context.Context, user *User) {
	verify, err := s.issueToken(ctx, s.store.DB(), user.UserID, "", auth.TokenTypeAction,
		auth.EncodeScopes(auth.ScopeEmailVerification), auth.ActionTokenTTL)
	if err != nil {
		s.log.WithError(err).Error("failed to issue verification token")
		return
	}
	s.sendMail(ctx, user.Email, "Verify your X-Pkg email",
		fmt.Sprintf("Welcome to X-Pkg. Verify here: %s/email/verify?token=%s", s.portal, verify.Full))
}

func (s *Service) sendMail(_ context.Context, to, subject, body string) {
	async.SafeGo(s.log, "mail", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mail.Send(ctx, mailer.Mail{To: to, Subject: subject, Body: body}); err != nil {
			s.log.WithError(err).WithField("to", to).Error("mail delivery failed")
		}
	})
}
