package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSelection(t *testing.T, s string) *Selection {
	t.Helper()
	sel, err := ParseSelection(s)
	require.NoError(t, err, "ParseSelection(%q)", s)
	return sel
}

func TestParseSelection_SingleSections(t *testing.T) {
	tests := []struct {
		in       string
		wantMin  string
		wantMax  string
	}{
		{"*", "0.0.1a1", "999.999.999"},
		{"1", "1.0.0a1", "1.999.999"},
		{"1.2", "1.2.0a1", "1.2.999"},
		{"1.2.3", "1.2.3a1", "1.2.3"},
		{"1.2.3b4", "1.2.3b4", "1.2.3b4"},
		{"1.5-2", "1.5.0a1", "2.999.999"},
		{"1.5-2.0.3", "1.5.0a1", "2.0.3"},
		{"-2", "0.0.1a1", "2.999.999"},
		{"1.5-", "1.5.0a1", "999.999.999"},
		{"1b4-2", "1.0.0b4", "2.999.999"},
		{"1-2.5r3", "1.0.0a1", "2.5.0r3"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sel := mustSelection(t, tt.in)
			ranges := sel.Ranges()
			require.Len(t, ranges, 1)
			assert.True(t, ranges[0].Min.Equal(MustParse(tt.wantMin)), "min = %s, want %s", ranges[0].Min, tt.wantMin)
			assert.True(t, ranges[0].Max.Equal(MustParse(tt.wantMax)), "max = %s, want %s", ranges[0].Max, tt.wantMax)
		})
	}
}

func TestParseSelection_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		",",
		"-",
		"2-1",     // min above max
		"1..2",    // malformed version
		"abc",     // not a version
		"1,",      // empty trailing section
		"1.2.3b0", // invalid pre number
		"0.0.0-1", // all-zero bound
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSelection(in)
			assert.Error(t, err)
		})
	}
}

func TestSelection_NormalizeMerges(t *testing.T) {
	sel := mustSelection(t, "1,1.5-2,1.7")
	ranges := sel.Ranges()
	require.Len(t, ranges, 1)
	assert.True(t, ranges[0].Min.Equal(MustParse("1.0.0a1")))
	assert.True(t, ranges[0].Max.Equal(MustParse("2.999.999")))
	assert.Equal(t, "1-2", sel.String())

	assert.True(t, sel.Contains(MustParse("1.4.2")))
	assert.False(t, sel.Contains(MustParse("3.0.0")))
}

func TestSelection_DisjointStaySorted(t *testing.T) {
	sel := mustSelection(t, "5, 1-2, 3.5")
	ranges := sel.Ranges()
	require.Len(t, ranges, 3)

	// Pairwise non-overlapping, sorted by lower bound.
	for i := 0; i < len(ranges)-1; i++ {
		assert.True(t, ranges[i].Max.Before(ranges[i+1].Min))
	}
	assert.Equal(t, "1-2,3.5,5", sel.String())
}

func TestSelection_Contains(t *testing.T) {
	sel := mustSelection(t, "1.2-2")

	for _, in := range []string{"1.2.0a1", "1.2.0", "1.7.3", "2.0.0", "2.999.999"} {
		assert.True(t, sel.Contains(MustParse(in)), "should contain %s", in)
	}
	// A pre-release of the inclusive upper bound sits below it.
	assert.True(t, sel.Contains(MustParse("2.999.999r1")))

	for _, out := range []string{"1.1.999", "3.0.0", "1.1.0"} {
		assert.False(t, sel.Contains(MustParse(out)), "should not contain %s", out)
	}
}

func TestSelection_UniversalContainsEverything(t *testing.T) {
	sel := mustSelection(t, "*")
	for _, in := range []string{"0.0.1a1", "0.0.1", "1", "12.500.3b9", "999.999.999"} {
		assert.True(t, sel.Contains(MustParse(in)), "universal selection should contain %s", in)
	}
	assert.Equal(t, "*", sel.String())
}

func TestSelection_StringCanonical(t *testing.T) {
	tests := []struct{ in, want string }{
		{"*", "*"},
		{"1", "1"},
		{"1.2", "1.2"},
		{"1.2.3", "1.2.3"},
		{"1.2.3b4", "1.2.3b4"},
		{"1.5-2", "1.5-2"},
		{"-2", "-2"},
		{"1.5-", "1.5-"},
		{"1,1.5-2,1.7", "1-2"},
		{"1-2,2-3", "1-3"},
		{"0.0.1a1-2", "-2"},
		{"1-999.999.999", "1-"},
		{"1-999", "1-"},
		{"1b4-2", "1b4-2"},
		// 1.999.999 and 2.0.0a1 do not touch numerically, so no merge.
		{"2,1", "1,2"},
		{"1.5-2.0.3", "1.5-2.0.3"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sel := mustSelection(t, tt.in)
			assert.Equal(t, tt.want, sel.String())
		})
	}
}

func TestSelection_ParsePrintIdempotent(t *testing.T) {
	inputs := []string{
		"*", "1", "1.2", "1.2.3", "1.2.3b4", "1.5-2", "-2", "1.5-",
		"1,1.5-2,1.7", "5,1-2,3.5", "1b4-2", "0.0.1a1-", "1-2.5r3",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			first := mustSelection(t, in)
			second := mustSelection(t, first.String())
			assert.Equal(t, first.String(), second.String())
			assert.Equal(t, first.Ranges(), second.Ranges())
		})
	}
}
