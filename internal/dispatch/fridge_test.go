package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFridge(t *testing.T) {
	t.Run("RunsSubmittedJobs", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{MinThreads: 1})
		defer f.Stop()

		var ran atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			require.NoError(t, f.Submit(func(*FridgeContext) {
				ran.Add(1)
				wg.Done()
			}))
		}
		wg.Wait()
		assert.Equal(t, int32(20), ran.Load())
	})

	t.Run("GrowsOnDemand", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{MinThreads: 1})
		defer f.Stop()

		block := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			require.NoError(t, f.Submit(func(*FridgeContext) {
				defer wg.Done()
				<-block
			}))
		}
		assert.GreaterOrEqual(t, f.ThreadCount(), 4)
		close(block)
		wg.Wait()
	})

	t.Run("SubmitFailsAtCapacityAfterBlockTimeout", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{
			MinThreads:   1,
			MaxThreads:   1,
			BlockTimeout: 100 * time.Millisecond,
		})
		defer f.Stop()

		block := make(chan struct{})
		defer close(block)
		require.NoError(t, f.Submit(func(*FridgeContext) { <-block }))

		err := f.Submit(func(*FridgeContext) {})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFridgeBlocked)
	})

	t.Run("StopIsSynchronousAndCooperative", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{MinThreads: 1})

		started := make(chan struct{})
		finished := atomic.Bool{}
		require.NoError(t, f.Submit(func(ctx *FridgeContext) {
			close(started)
			for !ctx.ShouldBreak() {
				time.Sleep(5 * time.Millisecond)
			}
			finished.Store(true)
		}))
		<-started

		f.Stop()
		assert.True(t, finished.Load(), "Stop returned before the job observed the break")
	})

	t.Run("SubmitAfterStopFails", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{MinThreads: 1})
		f.Stop()
		assert.ErrorIs(t, f.Submit(func(*FridgeContext) {}), ErrFridgeStopped)
	})

	t.Run("IdleThreadsExpireDownToMin", func(t *testing.T) {
		f := NewFridge("test", FridgeParams{
			MinThreads:      1,
			ExpirationDelay: 50 * time.Millisecond,
		})
		defer f.Stop()

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			require.NoError(t, f.Submit(func(*FridgeContext) {
				defer wg.Done()
				time.Sleep(10 * time.Millisecond)
			}))
		}
		wg.Wait()

		assert.Eventually(t, func() bool {
			return f.ThreadCount() == 1
		}, 2*time.Second, 20*time.Millisecond)
	})
}
