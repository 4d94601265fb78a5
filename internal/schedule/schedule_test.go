package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParse(t *testing.T) {
	sched, err := Parse(" 0 7 * * 1 ")
	require.NoError(t, err)

	from := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) // Thursday
	assert.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), sched.Next(from))

	for _, bad := range []string{"", "every monday", "0 7 * *", "61 * * * *"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

type tenMillis struct{}

func (tenMillis) Next(t time.Time) time.Time { return t.Add(10 * time.Millisecond) }

func TestLoopRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	job := func(ctx context.Context, tick time.Time) error {
		if runs.Add(1) == 3 {
			cancel()
		}
		return errors.New("job errors do not stop the loop")
	}

	err := Loop(ctx, tenMillis{}, time.UTC, job, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), runs.Load())
}

func TestLoopStopsWhileWaiting(t *testing.T) {
	sched, err := Parse("0 0 1 1 *")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Loop(ctx, sched, nil, func(context.Context, time.Time) error {
		t.Fatal("job must not run")
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
