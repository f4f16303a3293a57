package async

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(quietLogger(), "panics", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), quietLogger(), 4, "test", time.Second)

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func(context.Context) error {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
			return nil
		}))
	}
	wg.Wait()
	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), quietLogger(), 1, "test", time.Second)
	require.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(context.Context) error { return errors.New("never runs") })
	assert.Error(t, err)
}
