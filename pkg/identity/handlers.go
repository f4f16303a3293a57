package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/auth"
	"github.com/xpkg-net/registry/pkg/httputil"
)

// Handler exposes the identity service over HTTP.
type Handler struct {
	service *Service
	log     *logrus.Logger
}

// NewHandler builds the HTTP layer.
func NewHandler(service *Service, log *logrus.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// RegisterRoutes attaches identity endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/users/new", h.Signup).Methods(http.MethodPost)
	r.HandleFunc("/users/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/users/name", h.ChangeName).Methods(http.MethodPatch)

	r.HandleFunc("/users/email/change", h.RequestEmailChange).Methods(http.MethodPost)
	r.HandleFunc("/users/email/confirm", h.ConfirmEmailChange).Methods(http.MethodPost)
	r.HandleFunc("/users/email/revoke", h.RevokeEmailChange).Methods(http.MethodPost)
	r.HandleFunc("/users/email/verify", h.VerifyEmail).Methods(http.MethodPost)

	r.HandleFunc("/clients/new", h.RegisterClient).Methods(http.MethodPost)
	r.HandleFunc("/clients/{clientId}/secret", h.RegenerateSecret).Methods(http.MethodPost)

	r.HandleFunc("/tokens/new", h.IssueToken).Methods(http.MethodPost)

	r.HandleFunc("/oauth/authorize", h.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/token", h.Exchange).Methods(http.MethodPost)
}

// authenticate extracts and validates the bearer token, requiring every one
// of the given scopes.
func (h *Handler) authenticate(r *http.Request, scopes ...auth.Scope) (*Token, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "missing bearer token")
	}
	token, err := h.service.ValidateToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 && !auth.HasAllScopes(token.Permissions, scopes...) {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "insufficient scope")
	}
	return token, nil
}

type signupRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Password   string `json:"password"`
	HumanCheck string `json:"validation"`
}

// Signup creates an account.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	user, session, err := h.service.Signup(r.Context(), req.Email, req.Name, req.Password, req.HumanCheck, httputil.ClientIP(r))
	if err != nil {
		h.log.WithError(err).Info("signup rejected")
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{
		"userId": user.UserID,
		"token":  session,
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	HumanCheck string `json:"validation"`
}

// Login issues a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password, req.HumanCheck, httputil.ClientIP(r))
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"token": session})
}

// ChangeName updates the caller's display name.
func (h *Handler) ChangeName(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	if err := h.service.ChangeName(r.Context(), token.UserID, req.Name); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RequestEmailChange opens a pending address change.
func (h *Handler) RequestEmailChange(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req struct {
		NewEmail string `json:"newEmail"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	if err := h.service.RequestEmailChange(r.Context(), token.UserID, req.NewEmail); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ConfirmEmailChange applies a pending change via its action token.
func (h *Handler) ConfirmEmailChange(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ConfirmEmailChange(r.Context(), r.URL.Query().Get("token")); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RevokeEmailChange cancels a pending change via its action token.
func (h *Handler) RevokeEmailChange(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RevokeEmailChange(r.Context(), r.URL.Query().Get("token")); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// VerifyEmail marks the caller's address verified via its action token.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type registerClientRequest struct {
	Name          string   `json:"name"`
	Icon          string   `json:"icon"`
	RedirectURIs  []string `json:"redirectURIs"`
	Scope         string   `json:"scope"`
	DefaultExpiry int64    `json:"defaultExpiry"`
}

// RegisterClient creates an OAuth client; the secret appears only in this
// response.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req registerClientRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	scopes, err := auth.ParseScopeString(req.Scope)
	if err != nil {
		httputil.WriteBadRequest(w, httputil.CodeInvalidPerm)
		return
	}

	client, secret, err := h.service.RegisterClient(r.Context(), token.UserID, req.Name, req.Icon,
		req.RedirectURIs, auth.EncodeScopes(scopes...), req.DefaultExpiry)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{
		"clientId": client.ClientID,
		"secret":   secret,
	})
}

// RegenerateSecret replaces a client secret.
func (h *Handler) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	clientID, err := httputil.ParsePathString(r, "clientId")
	if err != nil {
		httputil.WriteBadRequest(w, httputil.CodeNotFound)
		return
	}
	secret, err := h.service.RegenerateClientSecret(r.Context(), token.UserID, clientID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"secret": secret})
}

type issueTokenRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Scope       string `json:"scope"`
	ExpiryDays  int    `json:"expiryDays"`
}

// IssueToken mints a long-lived issued token for the caller.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req issueTokenRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	scopes, err := auth.ParseScopeString(req.Scope)
	if err != nil {
		httputil.WriteBadRequest(w, httputil.CodeInvalidPerm)
		return
	}
	if req.ExpiryDays < 1 || req.ExpiryDays > 365 {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	full, err := h.service.IssueAccessToken(r.Context(), token.UserID, req.Name, req.Description,
		auth.EncodeScopes(scopes...), time.Duration(req.ExpiryDays)*24*time.Hour)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"token": full})
}

// Authorize handles the interactive authorize request and redirects back to
// the client with code and state.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeIdentity)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	qs := r.URL.Query()
	redirect, err := h.service.Authorize(r.Context(), token.UserID, AuthorizeParams{
		ClientID:            qs.Get("client_id"),
		State:               qs.Get("state"),
		RedirectURI:         qs.Get("redirect_uri"),
		ResponseType:        qs.Get("response_type"),
		CodeChallenge:       qs.Get("code_challenge"),
		CodeChallengeMethod: qs.Get("code_challenge_method"),
		Scope:               qs.Get("scope"),
	})
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Exchange redeems an authorization code for an OAuth token. The body is
// form-encoded per RFC 6749.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeInvalidGrant)
		return
	}

	full, err := h.service.Exchange(r.Context(), ExchangeParams{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientSecret: r.PostFormValue("client_secret"),
	})
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"access_token": full,
		"token_type":   "bearer",
	})
}
