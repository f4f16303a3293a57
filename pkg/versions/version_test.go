package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"1", Version{Major: 1}, false},
		{"1.2", Version{Major: 1, Minor: 2}, false},
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, false},
		{"1.2.3b4", Version{Major: 1, Minor: 2, Patch: 3, PreType: PreReleaseBeta, PreNum: 4}, false},
		{"0.0.1a1", MinVersion, false},
		{"999.999.999", MaxVersion, false},
		{"12a9", Version{Major: 12, PreType: PreReleaseAlpha, PreNum: 9}, false},
		{"0.5r999", Version{Minor: 5, PreType: PreReleaseRC, PreNum: 999}, false},

		{"", Version{}, true},
		{"0", Version{}, true},        // all zero
		{"0.0.0", Version{}, true},    // all zero
		{"0.0.0b2", Version{}, true},  // all zero
		{"1.2.3b0", Version{}, true},  // pre number below 1
		{"1.2.", Version{}, true},     // trailing dot
		{"1.2.3.4", Version{}, true},  // too many components
		{"1000", Version{}, true},     // component above 999
		{"1.2.3c4", Version{}, true},  // unknown pre type
		{"1.2.3B4", Version{}, true},  // upper case
		{"v1.2.3", Version{}, true},   // prefix
		{"1.2.3b4 ", Version{}, true}, // whitespace
		{"999.999.999a999x", Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionOrdering(t *testing.T) {
	// Ascending order per the fixed-point mapping.
	ordered := []string{
		"0.0.1a1",
		"0.0.1a2",
		"0.0.1b1",
		"0.0.1r1",
		"0.0.1",
		"1.0.0a1",
		"1.0.0a999",
		"1.0.0b1",
		"1.0.0b999",
		"1.0.0r1",
		"1.0.0r999",
		"1",
		"1.0.1",
		"1.2.3",
		"2.0.0a1",
		"2",
		"999.999.999",
	}

	for i := 0; i < len(ordered)-1; i++ {
		lo, hi := MustParse(ordered[i]), MustParse(ordered[i+1])
		assert.True(t, lo.Before(hi) || lo.Equal(hi), "%s should not be above %s", ordered[i], ordered[i+1])
		if !lo.Equal(hi) {
			assert.Equal(t, -1, lo.Compare(hi))
			assert.Equal(t, 1, hi.Compare(lo))
		}
	}

	// "1" and "1.0.0" are the same version.
	assert.True(t, MustParse("1").Equal(MustParse("1.0.0")))
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "1.2.3", MustParse("1.2.3").String())
	assert.Equal(t, "1.0.0", MustParse("1").String())
	assert.Equal(t, "1.2.0b4", MustParse("1.2b4").String())
}

func TestVersionMinString(t *testing.T) {
	tests := []struct{ in, want string }{
		{"1.0.0", "1"},
		{"1.2.0", "1.2"},
		{"1.2.3", "1.2.3"},
		{"1.0.0b4", "1b4"},
		{"1.0.3a1", "1.0.3a1"},
		{"0.0.1a1", "0.0.1a1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MustParse(tt.in).MinString())
		// A min string must re-parse to the same version.
		assert.True(t, MustParse(tt.want).Equal(MustParse(tt.in)))
	}
}

func TestVersionStringLengthBound(t *testing.T) {
	longest := MustParse("999.999.999a999")
	assert.LessOrEqual(t, len(longest.String()), MaxVersionStringLength)
}
