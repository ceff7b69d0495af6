package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisor_StartRunsToCompletion(t *testing.T) {
	s := New(nil)
	var ran atomic.Bool
	done := make(chan struct{})

	s.Start("task-1", "coding", time.Second, func(ctx context.Context) error {
		ran.Store(true)
		close(done)
		return nil
	}, nil, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.True(t, ran.Load())

	require.Eventually(t, func() bool { return s.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSupervisor_StartCancelsPriorTaskForSameKey(t *testing.T) {
	s := New(nil)
	firstCanceled := make(chan struct{})

	s.Start("task-1", "first", 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		close(firstCanceled)
		return ctx.Err()
	}, nil, nil)

	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	secondDone := make(chan struct{})
	s.Start("task-1", "second", 5*time.Second, func(ctx context.Context) error {
		close(secondDone)
		return nil
	}, nil, nil)

	select {
	case <-firstCanceled:
	case <-time.After(time.Second):
		t.Fatal("first task was not cancelled when second started")
	}
	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("second task did not run")
	}
}

func TestSupervisor_TimeoutFiresOnTimeoutCallback(t *testing.T) {
	s := New(nil)
	var timedOut atomic.Bool
	onTimeout := func() { timedOut.Store(true) }

	s.Start("task-1", "slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, onTimeout, nil)

	require.Eventually(t, func() bool { return timedOut.Load() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSupervisor_OnErrorFiresForNonCancelError(t *testing.T) {
	s := New(nil)
	errCh := make(chan error, 1)

	s.Start("task-1", "failing", time.Second, func(ctx context.Context) error {
		return errors.New("boom")
	}, nil, func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		require.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
}

func TestSupervisor_ShutdownWaitsForAllTasksToDrain(t *testing.T) {
	s := New(nil)
	var stoppedA, stoppedB atomic.Bool

	s.Start("task-a", "coding", 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		stoppedA.Store(true)
		return nil
	}, nil, nil)
	s.Start("task-b", "reviewing", 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		stoppedB.Store(true)
		return nil
	}, nil, nil)

	require.Eventually(t, func() bool { return s.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	require.True(t, stoppedA.Load())
	require.True(t, stoppedB.Load())
	require.Equal(t, 0, s.ActiveCount())
}

func TestSupervisor_CancelReportsWhetherTaskExisted(t *testing.T) {
	s := New(nil)
	require.False(t, s.Cancel("missing"))

	s.Start("task-1", "coding", 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil)
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, s.Cancel("task-1"))
}
