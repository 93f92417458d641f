package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTaskRunnerDoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	runner := newTaskRunner(time.Minute, zap.NewNop())

	release := make(chan struct{})
	finished := make(chan struct{})

	runner.Go("member join", func(context.Context) {
		<-release
		close(finished)
	})

	select {
	case <-finished:
		t.Fatal("task completed before it was released")
	default:
	}

	close(release)
	require.NoError(t, runner.Wait(t.Context()))

	select {
	case <-finished:
	default:
		t.Fatal("Wait returned before the task finished")
	}
}

func TestTaskRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	runner := newTaskRunner(time.Minute, zap.New(core))

	assert.NotPanics(t, func() {
		runner.Go("member update", func(context.Context) {
			panic("nil avatar")
		})
		require.NoError(t, runner.Wait(t.Context()))
	})

	entries := logs.FilterMessage("Panic in event handler").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "member update", entries[0].ContextMap()["task"])
	assert.Equal(t, "nil avatar", entries[0].ContextMap()["panic"])
}

func TestTaskRunnerBoundsContext(t *testing.T) {
	t.Parallel()

	runner := newTaskRunner(20*time.Millisecond, zap.NewNop())

	var err error
	runner.Go("guild ready", func(ctx context.Context) {
		<-ctx.Done()
		err = ctx.Err()
	})

	require.NoError(t, runner.Wait(t.Context()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskRunnerWaitHonoursContext(t *testing.T) {
	t.Parallel()

	runner := newTaskRunner(time.Minute, zap.NewNop())

	release := make(chan struct{})
	runner.Go("startup scan", func(context.Context) { <-release })
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, runner.Wait(ctx), context.DeadlineExceeded)
}
