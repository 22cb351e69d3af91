package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	sup := New(context.Background())
	sup.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	sup := New(context.Background())
	sup.Go0("panicky", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)

	snap := sup.Snapshot()
	require.Len(t, snap.Loops, 1)
	assert.Equal(t, uint64(1), snap.Loops[0].Panics)
}

func TestGoRestartRestartsUntilCleanExit(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err, "first error is published")
	assert.Equal(t, int32(3), runs.Load())
}

func TestStopCancelsLoops(t *testing.T) {
	sup := New(context.Background())
	sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, int64(0), sup.Counters().Active)
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go0("sibling", func(ctx context.Context) { <-ctx.Done() })
	sup.Go("fatal", func(ctx context.Context) error { return errors.New("listener died") })

	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorContains(t, sup.Wait(ctx), "fatal: listener died")
}

func TestGoRestartRecoversPanics(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("dispatch", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("bad message")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	snap := sup.Snapshot()
	require.Len(t, snap.Loops, 1)
	l := snap.Loops[0]
	assert.Equal(t, "dispatch", l.Name)
	assert.Equal(t, uint64(1), l.Panics)
	assert.Equal(t, uint64(1), l.Restarts)
	assert.Equal(t, int64(1), l.Active)
	assert.Contains(t, l.LastErr, "panic in dispatch")
	assert.Empty(t, snap.FirstError, "restart failures stay private by default")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
}
