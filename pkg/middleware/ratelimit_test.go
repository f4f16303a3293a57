package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/contextkeys"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRateLimiter(client, log), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimit_AllowsUpToTheLimit(t *testing.T) {
	rl, _ := newTestLimiter(t)
	cfg := RateLimitConfig{
		Scope: "test", Requests: 3, Window: time.Minute,
		GlobalRequests: 100, GlobalWindow: time.Minute,
	}
	h := rl.Limit(cfg)(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Global-Limit"))
}

func TestLimit_KeysByAccountWhenAuthenticated(t *testing.T) {
	rl, _ := newTestLimiter(t)
	cfg := RateLimitConfig{
		Scope: "test", Requests: 1, Window: time.Minute,
		GlobalRequests: 100, GlobalWindow: time.Minute,
	}
	h := rl.Limit(cfg)(okHandler())

	asUser := func(userID string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		return r.WithContext(contextkeys.WithUserID(r.Context(), userID))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser("user-a"))
	require.Equal(t, http.StatusOK, rec.Code)

	// user-a is exhausted, user-b is not.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser("user-a"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser("user-b"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimit_GlobalWindowCatchesScopeHoppers(t *testing.T) {
	rl, _ := newTestLimiter(t)
	mk := func(scope string) http.Handler {
		return rl.Limit(RateLimitConfig{
			Scope: scope, Requests: 10, Window: time.Minute,
			GlobalRequests: 2, GlobalWindow: time.Minute,
		})(okHandler())
	}
	a, b := mk("a"), mk("b")

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLimit_WindowExpires(t *testing.T) {
	rl, mr := newTestLimiter(t)
	cfg := RateLimitConfig{
		Scope: "test", Requests: 1, Window: time.Minute,
		GlobalRequests: 100, GlobalWindow: time.Minute,
	}
	h := rl.Limit(cfg)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	mr.FastForward(2 * time.Minute)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimit_FailsOpenWhenRedisDown(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	h := rl.Limit(DefaultRateLimitConfig("test"))(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type staticResolver struct {
	userID string
	err    error
}

func (r staticResolver) ResolveUserID(context.Context, string) (string, error) {
	return r.userID, r.err
}

func TestAnnotate(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetUserID(r.Context())
	})

	h := Annotate(staticResolver{userID: "user-1"})(inner)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer xpkg_sometoken")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "user-1", seen)

	// Invalid tokens leave the request anonymous rather than rejecting.
	seen = "sentinel"
	h = Annotate(staticResolver{err: errors.New("bad token")})(inner)
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "", seen)

	// No header at all.
	seen = "sentinel"
	h = Annotate(staticResolver{userID: "user-1"})(inner)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "", seen)
}
