// Package async provides panic-safe goroutine helpers and a bounded worker
// pool for background work such as mail delivery and pipeline runs.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn in a goroutine with panic recovery. Use this instead of a
// bare `go func()` for fire-and-forget work.
func SafeGo(log *logrus.Logger, taskName string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": fmt.Sprint(r),
				}).Error(string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers, each task
// under its own timeout. Used to bound concurrent pipeline runs.
type WorkerPool struct {
	log      *logrus.Logger
	taskName string
	timeout  time.Duration

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines draining the task channel.
func NewWorkerPool(ctx context.Context, log *logrus.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		log:      log,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				p.worker(id)
			}(i)
		}
		wg.Wait()
		close(p.doneCh)
	}()
	return p
}

// Submit queues a task. It fails once the pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// Shutdown may close workCh between the check above and the send.
	defer func() { recover() }()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown stops accepting work and waits up to timeout for running tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.workCh)
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return err
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"task":   p.taskName,
				"worker": id,
				"panic":  fmt.Sprint(r),
			}).Error(string(debug.Stack()))
		}
	}()

	if err := fn(ctx); err != nil {
		p.log.WithFields(logrus.Fields{
			"task":   p.taskName,
			"worker": id,
		}).WithError(err).Error("task failed")
	}
}
