package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/httputil"
)

func codeOf(t *testing.T, err error) httputil.Code {
	t.Helper()
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok, "expected a coded error, got %v", err)
	return coded.Code
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("dev@example.com"))
	assert.Equal(t, httputil.CodeBadEmail, codeOf(t, ValidateEmail("not-an-email")))
	assert.Equal(t, httputil.CodeBadEmail, codeOf(t, ValidateEmail("a@b")))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("Sky Pilot 42"))

	assert.Equal(t, httputil.CodeBadLen, codeOf(t, ValidateName("ab")))
	assert.Equal(t, httputil.CodeInvalidName, codeOf(t, ValidateName(" leading")))
	assert.Equal(t, httputil.CodeProfaneName, codeOf(t, ValidateName("xpkg admin")))
}

func TestValidatePackageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		code httputil.Code
	}{
		{in: "com.example.pkg", want: "com.example.pkg"},
		{in: "XPKG/com.example.pkg", want: "com.example.pkg"},
		{in: "other/com.example.pkg", code: httputil.CodeInvalidIDOrRepo},
		{in: "short", code: httputil.CodeInvalidIDOrRepo},
		{in: "1starts.with.digit", code: httputil.CodeInvalidIDOrRepo},
		{in: "com..double", code: httputil.CodeInvalidIDOrRepo},
	}
	for _, tt := range tests {
		got, err := ValidatePackageID(tt.in)
		if tt.code != "" {
			assert.Equal(t, tt.code, codeOf(t, err), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalizeFullID(t *testing.T) {
	assert.Equal(t, "xpkg/com.example.pkg", NormalizeFullID("Com.Example.Pkg"))
	assert.Equal(t, "xpkg/com.example.pkg", NormalizeFullID("xpkg/com.example.pkg"))
}
