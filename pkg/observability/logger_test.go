package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("identity", "info", &buf)

	log.WithField("user_id", "abc").Info("user logged in")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "user logged in", entry["msg"])
	assert.Equal(t, "identity", entry["service"])
	assert.Equal(t, "abc", entry["user_id"])
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("registry", "warn", &buf)

	log.Info("dropped")
	log.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestFromContext(t *testing.T) {
	base := logrus.New()
	entry := base.WithField("request_id", 42)

	ctx := WithLogger(context.Background(), entry)
	assert.Equal(t, entry, FromContext(ctx))

	// Falls back to the standard logger when unset.
	assert.NotNil(t, FromContext(context.Background()))
}
