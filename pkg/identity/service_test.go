package identity

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/auth"
	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/mailer"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := NewService(NewStore(db), mailer.NewLogMailer(log), AllowAllChecker{}, log, "https://developer.xpkg.test")
	return svc, mock
}

func clientRow(mock sqlmock.Sqlmock, clientID, secretHash string, perms auth.PermissionsNumber) *sqlmock.Rows {
	return mock.NewRows([]string{
		"client_id", "user_id", "name", "icon", "redirect_uris",
		"permissions", "default_expiry", "secret_hash", "created_at",
	}).AddRow(clientID, "owner-1", "Portal", "", "{https://portal.example/cb}",
		int64(perms), int64(3600), secretHash, time.Now())
}

func TestExchange_WrongVerifier_DeletesCodeAndFails(t *testing.T) {
	svc, mock := newTestService(t)

	challenge := auth.ComputeCodeChallenge("Averifier0123456789012345678901234567890123")
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM clients").
		WithArgs("xpkg_id_1").
		WillReturnRows(clientRow(mock, "xpkg_id_1", "", auth.EncodeScopes(auth.ScopeDeveloperPortal)))
	mock.ExpectQuery("DELETE FROM authorization_codes").
		WithArgs("xpkg_id_1", auth.HashAuthorizationCode("rawcode")).
		WillReturnRows(mock.NewRows([]string{
			"client_id", "code_hash", "user_id", "code_challenge",
			"permissions", "redirect_uri", "token_expiry", "expires_at",
		}).AddRow("xpkg_id_1", auth.HashAuthorizationCode("rawcode"), "user-1", challenge,
			int64(auth.EncodeScopes(auth.ScopeDeveloperPortal)),
			"https://portal.example/cb", now.Add(time.Hour), now.Add(30*time.Second)))

	_, err := svc.Exchange(context.Background(), ExchangeParams{
		GrantType:    "authorization_code",
		ClientID:     "xpkg_id_1",
		Code:         "rawcode",
		CodeVerifier: "Bverifier0123456789012345678901234567890123",
		RedirectURI:  "https://portal.example/cb",
	})
	require.Error(t, err)
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok)
	assert.Equal(t, httputil.CodeInvalidGrant, coded.Code)

	// No token insert happened and the delete ran exactly once.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchange_SecondRedemptionFails(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM clients").
		WithArgs("xpkg_id_1").
		WillReturnRows(clientRow(mock, "xpkg_id_1", "", auth.EncodeScopes(auth.ScopeDeveloperPortal)))
	mock.ExpectQuery("DELETE FROM authorization_codes").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Exchange(context.Background(), ExchangeParams{
		GrantType:    "authorization_code",
		ClientID:     "xpkg_id_1",
		Code:         "rawcode",
		CodeVerifier: "Averifier0123456789012345678901234567890123",
		RedirectURI:  "https://portal.example/cb",
	})
	require.Error(t, err)
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok)
	assert.Equal(t, httputil.CodeInvalidGrant, coded.Code)
}

func TestExchange_Success(t *testing.T) {
	svc, mock := newTestService(t)

	verifier := "Averifier0123456789012345678901234567890123"
	challenge := auth.ComputeCodeChallenge(verifier)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM clients").
		WillReturnRows(clientRow(mock, "xpkg_id_1", "", auth.EncodeScopes(auth.ScopeDeveloperPortal)))
	mock.ExpectQuery("DELETE FROM authorization_codes").
		WillReturnRows(mock.NewRows([]string{
			"client_id", "code_hash", "user_id", "code_challenge",
			"permissions", "redirect_uri", "token_expiry", "expires_at",
		}).AddRow("xpkg_id_1", auth.HashAuthorizationCode("rawcode"), "user-1", challenge,
			int64(auth.EncodeScopes(auth.ScopeDeveloperPortal)),
			"https://portal.example/cb", now.Add(time.Hour), now.Add(30*time.Second)))
	mock.ExpectExec("INSERT INTO tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))

	full, err := svc.Exchange(context.Background(), ExchangeParams{
		GrantType:    "authorization_code",
		ClientID:     "xpkg_id_1",
		Code:         "rawcode",
		CodeVerifier: verifier,
		RedirectURI:  "https://portal.example/cb",
	})
	require.NoError(t, err)

	parsed, err := auth.ParseToken(full)
	require.NoError(t, err)
	assert.Len(t, parsed.TokenID, auth.TokenIDLength)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeName_Throttled(t *testing.T) {
	svc, mock := newTestService(t)

	recent := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs("user-1").
		WillReturnRows(mock.NewRows([]string{
			"user_id", "email", "name", "password_hash", "email_verified", "name_changed_at", "created_at",
		}).AddRow("user-1", "a@b.example", "Old Name", "x", true, recent, time.Now()))

	err := svc.ChangeName(context.Background(), "user-1", "New Name")
	require.Error(t, err)
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok)
	assert.Equal(t, httputil.CodeTooSoon, coded.Code)
}

func TestChangeName_NoChange(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(mock.NewRows([]string{
			"user_id", "email", "name", "password_hash", "email_verified", "name_changed_at", "created_at",
		}).AddRow("user-1", "a@b.example", "Same Name", "x", true, nil, time.Now()))

	err := svc.ChangeName(context.Background(), "user-1", "Same Name")
	require.Error(t, err)
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok)
	assert.Equal(t, httputil.CodeNoChange, coded.Code)
}

func TestAuthorize_RejectsIdentityScope(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Authorize(context.Background(), "user-1", AuthorizeParams{
		ClientID:            "xpkg_id_1",
		RedirectURI:         "https://portal.example/cb",
		ResponseType:        "code",
		CodeChallenge:       auth.ComputeCodeChallenge("Averifier0123456789012345678901234567890123"),
		CodeChallengeMethod: auth.CodeChallengeMethodS256,
		Scope:               "Identity",
	})
	require.Error(t, err)
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok)
	assert.Equal(t, httputil.CodeInvalidPerm, coded.Code)
}
