package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/httputil"
)

func depCode(t *testing.T, err error) httputil.Code {
	t.Helper()
	coded, ok := err.(*httputil.CodedError)
	require.True(t, ok, "expected coded error, got %v", err)
	return coded.Code
}

func TestNormalizeDependencyLists_PrefixesAndLowercases(t *testing.T) {
	deps, incs, err := NormalizeDependencyLists("com.example.self",
		[]Dependency{{ID: "Com.Example.Lib", Selection: "1-2"}},
		[]Dependency{{ID: "xpkg/com.example.old", Selection: "0.1"}})
	require.NoError(t, err)

	require.Len(t, deps, 1)
	assert.Equal(t, "xpkg/com.example.lib", deps[0].ID)
	assert.Equal(t, "1-2", deps[0].Selection)

	require.Len(t, incs, 1)
	assert.Equal(t, "xpkg/com.example.old", incs[0].ID)
}

func TestNormalizeDependencyLists_MergesDuplicates(t *testing.T) {
	deps, _, err := NormalizeDependencyLists("com.example.self",
		[]Dependency{
			{ID: "com.example.lib", Selection: "1"},
			{ID: "com.example.lib", Selection: "1.5-2"},
		}, nil)
	require.NoError(t, err)

	require.Len(t, deps, 1)
	assert.Equal(t, "1-2", deps[0].Selection)
}

func TestNormalizeDependencyLists_Rejections(t *testing.T) {
	_, _, err := NormalizeDependencyLists("com.example.self",
		[]Dependency{{ID: "com.example.self", Selection: "1"}}, nil)
	assert.Equal(t, httputil.CodeSelfDep, depCode(t, err))

	_, _, err = NormalizeDependencyLists("com.example.self",
		[]Dependency{{ID: "", Selection: "1"}}, nil)
	assert.Equal(t, httputil.CodeBadDepTuple, depCode(t, err))

	_, _, err = NormalizeDependencyLists("com.example.self",
		[]Dependency{{ID: "com.example.lib", Selection: "not-a-selection!"}}, nil)
	assert.Equal(t, httputil.CodeInvalidDepSel, depCode(t, err))

	_, _, err = NormalizeDependencyLists("com.example.self",
		[]Dependency{{ID: "com.example.lib", Selection: "1"}},
		[]Dependency{{ID: "xpkg/com.example.lib", Selection: "2"}})
	assert.Equal(t, httputil.CodeDepOrSelfInc, depCode(t, err))
}
