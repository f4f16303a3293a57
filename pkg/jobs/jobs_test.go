package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpkg-net/registry/pkg/config"
)

func testConfig(serverURL string) config.JobsConfig {
	sum := sha256.Sum256([]byte("trust-key"))
	return config.JobsConfig{
		URL:             "ws" + strings.TrimPrefix(serverURL, "http"),
		ServicePassword: "service-pw",
		ServerTrustKey:  "trust-key",
		ServerTrustHash: hex.EncodeToString(sum[:]),
		JobTimeout:      30 * time.Minute,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func packagingJob() JobData {
	return JobData{
		Type:      JobPackaging,
		Packaging: &PackagingData{PackageID: "com.example.pkg", PackageVersion: "1.0.0"},
	}
}

func TestHandshakeAndAbort(t *testing.T) {
	log := quietLogger()

	var coord *Coordinator
	server := httptest.NewServer(nil)
	defer server.Close()

	cfg := testConfig(server.URL)
	coord = NewCoordinator(cfg, log)
	server.Config.Handler = coord

	session, err := Connect(context.Background(), cfg, log, packagingJob())
	require.NoError(t, err)

	key := packagingJob().Key()
	require.Eventually(t, func() bool {
		for _, k := range coord.ActiveJobs() {
			if k == key {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "job never registered")

	coord.Abort(key)

	select {
	case <-session.Aborted():
	case <-time.After(2 * time.Second):
		t.Fatal("abort never reached the worker")
	}

	require.NoError(t, session.Done(DoneAborted))

	require.Eventually(t, func() bool {
		return len(coord.ActiveJobs()) == 0
	}, 2*time.Second, 10*time.Millisecond, "job never unregistered")
}

func TestConnect_RejectsBadTrustHash(t *testing.T) {
	log := quietLogger()

	server := httptest.NewServer(nil)
	defer server.Close()

	cfg := testConfig(server.URL)
	server.Config.Handler = NewCoordinator(cfg, log)

	bad := cfg
	sum := sha256.Sum256([]byte("some-other-key"))
	bad.ServerTrustHash = hex.EncodeToString(sum[:])

	_, err := Connect(context.Background(), bad, log, packagingJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trust key")
}

func TestCoordinator_RejectsBadPassword(t *testing.T) {
	log := quietLogger()

	server := httptest.NewServer(nil)
	defer server.Close()

	cfg := testConfig(server.URL)
	server.Config.Handler = NewCoordinator(cfg, log)

	bad := cfg
	bad.ServicePassword = "wrong"

	_, err := Connect(context.Background(), bad, log, packagingJob())
	require.Error(t, err)
}

func TestSweepTimeouts_AbortsOldJobs(t *testing.T) {
	log := quietLogger()

	server := httptest.NewServer(nil)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.JobTimeout = time.Minute
	coord := NewCoordinator(cfg, log)
	server.Config.Handler = coord

	session, err := Connect(context.Background(), cfg, log, packagingJob())
	require.NoError(t, err)
	defer session.Close()

	// Nothing old enough yet.
	coord.SweepTimeouts(time.Now())
	select {
	case <-session.Aborted():
		t.Fatal("fresh job was aborted")
	case <-time.After(100 * time.Millisecond):
	}

	// An hour later the job is past its deadline.
	coord.SweepTimeouts(time.Now().Add(time.Hour))
	select {
	case <-session.Aborted():
	case <-time.After(2 * time.Second):
		t.Fatal("expired job was not aborted")
	}
}

func TestJobData_Validate(t *testing.T) {
	assert.NoError(t, packagingJob().Validate())

	assert.Error(t, JobData{Type: JobPackaging}.Validate())
	assert.Error(t, JobData{Type: JobResource}.Validate())
	assert.Error(t, JobData{Type: "other"}.Validate())
	assert.Error(t, JobData{
		Type:      JobPackaging,
		Packaging: &PackagingData{PackageID: "com.example.pkg", PackageVersion: "1.0.0"},
		Resource:  &ResourceData{ResourceID: "r"},
	}.Validate())
}

func TestJobData_Key(t *testing.T) {
	assert.Equal(t, "packaging:com.example.pkg@1.0.0", packagingJob().Key())
	assert.Equal(t, "resource:res-1", JobData{Type: JobResource, Resource: &ResourceData{ResourceID: "res-1"}}.Key())
}
