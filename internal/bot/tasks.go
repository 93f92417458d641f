package bot

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// taskRunner runs gateway event handlers on their own goroutines so slow
// ledger or REST work never holds up the shard's dispatch loop.
type taskRunner struct {
	wg      conc.WaitGroup
	timeout time.Duration
	logger  *zap.Logger
}

func newTaskRunner(timeout time.Duration, logger *zap.Logger) *taskRunner {
	return &taskRunner{timeout: timeout, logger: logger}
}

// Go starts fn with a context bounded by the runner timeout. A panic in fn is
// logged and does not reach the caller.
func (t *taskRunner) Go(task string, fn func(ctx context.Context)) {
	t.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("Panic in event handler",
					zap.String("task", task),
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		fn(ctx)
	})
}

// Wait blocks until every started task returns or ctx is done.
func (t *taskRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
