package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/httputil"
)

func TestAnalyticsWindow_Defaults(t *testing.T) {
	after, before, err := analyticsWindow("", "")
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), after.Sub(after.Truncate(time.Hour)), "after is hour-aligned")
	assert.Equal(t, 24*time.Hour, before.Sub(after))
}

func TestAnalyticsWindow_Validation(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fmtT := func(t time.Time) string { return t.Format(time.RFC3339) }

	tests := []struct {
		name   string
		after  string
		before string
		code   httputil.Code
	}{
		{"bad after", "yesterday", fmtT(base), httputil.CodeBadAfterDate},
		{"bad before", fmtT(base), "tomorrow", httputil.CodeBadBeforeDate},
		{"inverted", fmtT(base.Add(time.Hour)), fmtT(base), httputil.CodeBadDateCombo},
		{"too short", fmtT(base), fmtT(base.Add(30 * time.Minute)), httputil.CodeShortDiff},
		{"too long", fmtT(base), fmtT(base.Add(31 * 24 * time.Hour)), httputil.CodeLongDiff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := analyticsWindow(tt.after, tt.before)
			require.Error(t, err)
			coded, ok := err.(*httputil.CodedError)
			require.True(t, ok)
			assert.Equal(t, tt.code, coded.Code)
		})
	}
}

func TestAnalyticsWindow_RoundsToHour(t *testing.T) {
	after, before, err := analyticsWindow("2026-08-01T10:25:00Z", "2026-08-01T14:45:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), after)
	assert.Equal(t, time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC), before)
}
