package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 3, 20, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), s.nextTick(now))

	onBoundary := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC), s.nextTick(onBoundary))
	assert.Equal(t, onBoundary, s.bucketStart(onBoundary.Add(time.Second)))
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 3, 20, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) == 3 {
				cancel()
			}
			return errors.New("failures do not stop the loop")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, ticks.Load(), int32(3))
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Error("tick must not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
