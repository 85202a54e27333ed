package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-printlink/logger"
)

func TestManager_Go(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())

	var ran atomic.Bool
	done := make(chan struct{})
	err := mgr.Go("once", func(_ context.Context) {
		ran.Store(true)
		close(done)
	})
	require.NoError(err)

	<-done
	mgr.Wait()
	require.True(ran.Load())
	require.Equal(0, mgr.Count())
}

func TestManager_StopCancelsTasks(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())

	var loops atomic.Int32
	err := mgr.Start("loop", func(ctx context.Context) bool {
		loops.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return true
	})
	require.NoError(err)

	blocked := make(chan struct{})
	err = mgr.Go("blocker", func(ctx context.Context) {
		<-ctx.Done()
		close(blocked)
	})
	require.NoError(err)
	require.Eventually(func() bool { return mgr.Count() == 2 }, time.Second, time.Millisecond)

	mgr.Stop()
	mgr.Wait()

	<-blocked
	require.Equal(0, mgr.Count())
	require.Positive(loops.Load())
}

func TestManager_LoopStopsOnFalse(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())

	var n atomic.Int32
	require.NoError(mgr.Start("count", func(_ context.Context) bool {
		return n.Add(1) < 3
	}))

	mgr.Wait()
	require.Equal(int32(3), n.Load())
}

func TestManager_StartAfterStop(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())
	mgr.Stop()

	err := mgr.Go("late", func(_ context.Context) {})
	require.ErrorIs(err, ErrStopped)

	// Wait resets the manager so it can be reused.
	mgr.Wait()
	require.NoError(mgr.Go("again", func(_ context.Context) {}))
	mgr.Wait()
}

func TestManager_GoFromTaskDuringWait(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())

	spawnErr := make(chan error, 1)
	require.NoError(mgr.Go("parent", func(ctx context.Context) {
		<-ctx.Done()
		// let Close reach Wait before spawning
		time.Sleep(20 * time.Millisecond)
		spawnErr <- mgr.Go("child", func(_ context.Context) {})
	}))

	waited := make(chan struct{})
	go func() {
		mgr.Stop()
		mgr.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked by a task starting another task")
	}
	require.ErrorIs(<-spawnErr, ErrStopped)
}

func TestManager_RecoversPanic(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewDiscard())
	require.NoError(mgr.Go("panics", func(_ context.Context) {
		panic("boom")
	}))

	mgr.Wait()
	require.Equal(0, mgr.Count())
}
