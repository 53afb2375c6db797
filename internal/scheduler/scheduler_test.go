package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestScheduler() *Scheduler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduledTaskRuns(t *testing.T) {
	s := newTestScheduler()
	runs := atomic.NewInt32(0)

	require.NoError(t, s.Add(Task{
		Name:     "tick",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			runs.Inc()
			return nil
		},
	}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestAddValidates(t *testing.T) {
	s := newTestScheduler()
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Name: "bad", Schedule: "every now and then", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "ok", Schedule: "*/5 * * * *", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "ok", Schedule: "@hourly", Run: noop}))
}

func TestRunNowReturnsTaskError(t *testing.T) {
	s := newTestScheduler()
	boom := errors.New("boom")

	require.NoError(t, s.Add(Task{
		Name:     "fail",
		Schedule: "@daily",
		Timeout:  time.Second,
		Run: func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return boom
		},
	}))

	assert.ErrorIs(t, s.RunNow("fail"), boom)
	assert.Error(t, s.RunNow("missing"))
}
