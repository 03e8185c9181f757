package server

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// tasks supervises detached goroutines: shot pipelines, reconnection
// grace timers, heartbeat probes, sweeper evictions. Failures and
// panics are logged under the task's name instead of killing the
// process; a non-nil crash function lets the spawning loop die along
// with its task.
type tasks struct {
	logger *zap.Logger
	wg     sync.WaitGroup
}

func newTasks(logger *zap.Logger) *tasks {
	return &tasks{logger: logger}
}

// Go runs fn on its own goroutine. When fn fails or panics, the error
// is logged and, if crash is not nil, passed to it so the owner can
// unwind.
func (t *tasks) Go(name string, crash context.CancelCauseFunc, fn func() error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panicked",
					zap.String("task", name), zap.Any("panic", r))
				if crash != nil {
					crash(errors.Errorf("task %s panicked: %v", name, r))
				}
			}
		}()
		if err := fn(); err != nil {
			t.logger.Error("background task failed",
				zap.String("task", name), zap.Error(err))
			if crash != nil {
				crash(err)
			}
		}
	}()
}

// Wait blocks until every spawned task has returned.
func (t *tasks) Wait() {
	t.wg.Wait()
}
