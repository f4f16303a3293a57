package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeScopes(t *testing.T) {
	in := []Scope{ScopeIdentity, ScopeDeveloperPortal, ScopeRegistryViewAnalytics}
	p := EncodeScopes(in...)

	out := DecodeScopes(p)
	assert.ElementsMatch(t, in, out)
}

func TestHasAnyScope(t *testing.T) {
	p := EncodeScopes(ScopeDeveloperPortal, ScopeRegistryViewAnalytics)

	assert.True(t, HasAnyScope(p, ScopeDeveloperPortal))
	assert.True(t, HasAnyScope(p, ScopeIdentity, ScopeRegistryViewAnalytics))
	assert.False(t, HasAnyScope(p, ScopeIdentity))
	assert.False(t, HasAnyScope(p))
}

func TestHasAllScopes(t *testing.T) {
	p := EncodeScopes(ScopeDeveloperPortal, ScopeRegistryViewAnalytics, ScopeTokenIssue)

	assert.True(t, HasAllScopes(p, ScopeDeveloperPortal))
	assert.True(t, HasAllScopes(p, ScopeDeveloperPortal, ScopeTokenIssue))
	assert.False(t, HasAllScopes(p, ScopeDeveloperPortal, ScopeIdentity))
}

func TestScopeBitsAreDistinct(t *testing.T) {
	seen := make(map[Scope]string)
	for s, name := range scopeNames {
		// Exactly one bit set per scope.
		require.NotZero(t, s, "scope %s has no bit", name)
		require.Zero(t, PermissionsNumber(s)&(PermissionsNumber(s)-1), "scope %s is not a single bit", name)
		if prev, dup := seen[s]; dup {
			t.Fatalf("scopes %s and %s share a bit", prev, name)
		}
		seen[s] = name
	}
}

func TestScopeUniverseExceeds32Bits(t *testing.T) {
	// The permissions number must stay a wide integer; the universe uses
	// bits past 32.
	assert.Greater(t, uint64(ScopeResourceUpload), uint64(1)<<32)
}

func TestParseScopeString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []Scope
		wantErr bool
	}{
		{"single", "Identity", []Scope{ScopeIdentity}, false},
		{"multiple", "DeveloperPortal RegistryViewAnalytics", []Scope{ScopeDeveloperPortal, ScopeRegistryViewAnalytics}, false},
		{"extra whitespace", "  DeveloperPortal   TokenIssue ", []Scope{ScopeDeveloperPortal, ScopeTokenIssue}, false},
		{"unknown name", "DeveloperPortal NotAScope", nil, true},
		{"wrong case", "developerportal", nil, true},
		{"duplicate", "Identity Identity", nil, true},
		{"empty", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScopeString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatScopeString_RoundTrip(t *testing.T) {
	in := []Scope{ScopeDeveloperPortal, ScopeRegistryUploadVersion, ScopeEmailChangeRevoke}
	s := FormatScopeString(in)
	assert.Equal(t, "DeveloperPortal RegistryUploadVersion EmailChangeRevoke", s)

	back, err := ParseScopeString(s)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestPKCE(t *testing.T) {
	verifier := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 43 chars
	require.NoError(t, ValidateCodeVerifier(verifier))

	challenge := ComputeCodeChallenge(verifier)
	assert.True(t, VerifyCodeChallenge(verifier, challenge))
	assert.False(t, VerifyCodeChallenge(verifier+"a", challenge))

	assert.Error(t, ValidateCodeVerifier("short"))
	assert.Error(t, ValidateCodeVerifier(verifier[:42]+"!"))
	assert.Error(t, ValidateCodeChallenge(challenge, "plain"))
	assert.NoError(t, ValidateCodeChallenge(challenge, CodeChallengeMethodS256))
}

func TestNewAuthorizationCode(t *testing.T) {
	code, hash, err := NewAuthorizationCode()
	require.NoError(t, err)
	assert.Len(t, code, AuthorizationCodeLength)
	assert.Equal(t, HashAuthorizationCode(code), hash)
	assert.NotEqual(t, code, hash)
}
