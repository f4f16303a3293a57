package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionVersion(t *testing.T) {
	allowed := []struct{ from, to VersionStatus }{
		{StatusProcessing, StatusProcessed},
		{StatusProcessing, StatusAborted},
		{StatusProcessing, StatusFailedMACOSX},
		{StatusProcessing, StatusFailedNotEnoughSpace},
		{StatusFailedInvalidFileTypes, StatusProcessing},
		{StatusFailedServer, StatusProcessing},
		{StatusProcessed, StatusRemoved},
	}
	for _, tt := range allowed {
		assert.NoError(t, TransitionVersion(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	forbidden := []struct{ from, to VersionStatus }{
		{StatusProcessed, StatusProcessing},
		{StatusAborted, StatusProcessing},
		{StatusRemoved, StatusProcessed},
		{StatusProcessing, StatusProcessing},
		{StatusFailedMACOSX, StatusProcessed},
		{StatusProcessed, StatusFailedServer},
	}
	for _, tt := range forbidden {
		assert.Error(t, TransitionVersion(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestIsFailure(t *testing.T) {
	assert.True(t, StatusFailedMACOSX.IsFailure())
	assert.True(t, StatusFailedServer.IsFailure())
	assert.False(t, StatusProcessing.IsFailure())
	assert.False(t, StatusAborted.IsFailure())
	assert.False(t, StatusProcessed.IsFailure())
}
