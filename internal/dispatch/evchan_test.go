package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEventChannel(t *testing.T) {
	t.Run("DeliversReadinessToRendezvous", func(t *testing.T) {
		ec, err := newEventChannel(0)
		require.NoError(t, err)

		var pipe [2]int
		require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))
		defer func() { _ = unix.Close(pipe[1]) }()

		var fired atomic.Int32
		x := newXprt(1, XprtDatagram, ProtoNFS, pipe[0], 1024, 1024)
		x.ownsFD = true
		x.rendezvous = func(x *Xprt) XprtStat {
			fired.Add(1)
			var buf [8]byte
			_, _ = unix.Read(x.fd, buf[:])
			return XprtIdle
		}
		require.NoError(t, ec.Register(x))

		done := make(chan struct{})
		go func() {
			defer close(done)
			ec.Run()
		}()

		_, err = unix.Write(pipe[1], []byte("x"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return fired.Load() == 1 },
			2*time.Second, 5*time.Millisecond)

		ec.Signal()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not stop on signal")
		}

		// The channel dropped its reference at shutdown; the creation
		// reference still pins the transport.
		assert.Equal(t, int32(1), x.Refs())
		x.Release()
		assert.Equal(t, XprtDestroyed, x.Stat())
	})

	t.Run("DeadTransportIsReaped", func(t *testing.T) {
		ec, err := newEventChannel(1)
		require.NoError(t, err)

		var pipe [2]int
		require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))

		x := newXprt(2, XprtStreamConn, ProtoNFS, pipe[0], 1024, 1024)
		x.ownsFD = true
		x.rendezvous = func(x *Xprt) XprtStat {
			return XprtDied
		}
		require.NoError(t, ec.Register(x))

		done := make(chan struct{})
		go func() {
			defer close(done)
			ec.Run()
		}()

		// Closing the write end makes the read end readable (EOF).
		_ = unix.Close(pipe[1])

		// The channel reaps the dead transport and drops its reference.
		assert.Eventually(t, func() bool {
			return x.Refs() == 1 && x.Stat() == XprtDied
		}, 2*time.Second, 5*time.Millisecond)

		x.Release()
		assert.Equal(t, XprtDestroyed, x.Stat())

		ec.Signal()
		<-done
	})

	t.Run("WorkerChannelRotation", func(t *testing.T) {
		pool, err := NewEventChannelPool(false)
		require.NoError(t, err)
		defer pool.Shutdown()

		seen := make(map[int]int)
		for i := 0; i < 3*workerChanCount; i++ {
			seen[pool.NextWorkerChannel().id]++
		}
		assert.Len(t, seen, workerChanCount)
		for id, n := range seen {
			assert.Equal(t, 3, n, "channel %d", id)
			assert.GreaterOrEqual(t, id, reservedChanCount)
		}
	})
}
