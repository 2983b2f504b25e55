package dispatch

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/config"
)

// startDispatcher brings up a full dispatcher on ephemeral ports and
// returns it with the NFS TCP and UDP endpoints it bound.
func startDispatcher(t *testing.T, handlers ProgramHandlers) (*Dispatcher, string, string, context.CancelFunc) {
	t.Helper()

	cfg := config.Default()
	cfg.Ports.NFS = 0
	cfg.Ports.Mount = 0
	cfg.Ports.NLM = 0
	cfg.Ports.RQuota = 0

	d := New(cfg, handlers, Options{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, d.Init(ctx))

	tcpPort, err := BoundPort(d.prov.TCPSocket(ProtoNFS))
	require.NoError(t, err)
	udpPort, err := BoundPort(d.prov.UDPSocket(ProtoNFS))
	require.NoError(t, err)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = d.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-serveDone:
		case <-time.After(DequeueTimeout + 5*time.Second):
			t.Error("dispatcher did not stop in time")
		}
	})

	return d, net.JoinHostPort("127.0.0.1", strconv.Itoa(tcpPort)),
		net.JoinHostPort("127.0.0.1", strconv.Itoa(udpPort)), cancel
}

// nullEchoHandlers reply success to every call they see.
func nullEchoHandlers(hits *atomic.Int64) ProgramHandlers {
	h := func(r *Req) XprtStat {
		hits.Add(1)
		if r.Reply != nil {
			_ = r.Reply(rpc.MakeSuccessReply(r.Msg.XID, nil))
		}
		return r.Xprt.Stat()
	}
	return ProgramHandlers{NFS: h, Mount: h, NLM: h, RQuota: h}
}

func TestDispatcherEndToEnd(t *testing.T) {
	t.Run("TCPNullCallRoundTrip", func(t *testing.T) {
		var hits atomic.Int64
		_, tcpAddr, _, _ := startDispatcher(t, nullEchoHandlers(&hits))

		conn, err := net.DialTimeout("tcp", tcpAddr, 2*time.Second)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

		call := encodeCall(0xabc, rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcNull,
			rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		require.NoError(t, rpc.WriteRecord(conn, call))

		hdr, err := rpc.ReadFragmentHeader(conn)
		require.NoError(t, err)
		assert.True(t, hdr.IsLast)

		reply := make([]byte, hdr.Length)
		_, err = readFullConn(conn, reply)
		require.NoError(t, err)

		assert.Equal(t, uint32(0xabc), replyWord(t, reply, 0))
		assert.Equal(t, rpc.MsgReply, replyWord(t, reply, 4))
		assert.Equal(t, uint32(0), replyWord(t, reply, 8))  // MSG_ACCEPTED
		assert.Equal(t, uint32(0), replyWord(t, reply, 20)) // SUCCESS
		assert.Equal(t, int64(1), hits.Load())
	})

	t.Run("UDPNullCallRoundTrip", func(t *testing.T) {
		var hits atomic.Int64
		_, _, udpAddr, _ := startDispatcher(t, nullEchoHandlers(&hits))

		conn, err := net.Dial("udp", udpAddr)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

		call := encodeCall(0xdef, rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcNull,
			rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		_, err = conn.Write(call)
		require.NoError(t, err)

		reply := make([]byte, 512)
		n, err := conn.Read(reply)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdef), replyWord(t, reply[:n], 0))
		assert.Equal(t, uint32(0), replyWord(t, reply[:n], 8))
	})

	t.Run("MultipleCallsOnOneConnection", func(t *testing.T) {
		var hits atomic.Int64
		_, tcpAddr, _, _ := startDispatcher(t, nullEchoHandlers(&hits))

		conn, err := net.DialTimeout("tcp", tcpAddr, 2*time.Second)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

		for i := uint32(1); i <= 5; i++ {
			call := encodeCall(i, rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcNull,
				rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
			require.NoError(t, rpc.WriteRecord(conn, call))

			hdr, err := rpc.ReadFragmentHeader(conn)
			require.NoError(t, err)
			reply := make([]byte, hdr.Length)
			_, err = readFullConn(conn, reply)
			require.NoError(t, err)
			assert.Equal(t, i, replyWord(t, reply, 0))
		}
		assert.Equal(t, int64(5), hits.Load())
	})

	t.Run("QueueCountersBalance", func(t *testing.T) {
		var hits atomic.Int64
		d, tcpAddr, _, _ := startDispatcher(t, nullEchoHandlers(&hits))

		conn, err := net.DialTimeout("tcp", tcpAddr, 2*time.Second)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

		const calls = 20
		for i := uint32(1); i <= calls; i++ {
			call := encodeCall(i, rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcNull,
				rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
			require.NoError(t, rpc.WriteRecord(conn, call))

			hdr, err := rpc.ReadFragmentHeader(conn)
			require.NoError(t, err)
			reply := make([]byte, hdr.Length)
			_, err = readFullConn(conn, reply)
			require.NoError(t, err)
		}

		assert.Eventually(t, func() bool {
			return d.queues.EnqueuedCount() == calls &&
				d.queues.DequeuedCount() == calls
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		n, err := conn.Read(buf[off:])
		if err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}

func TestEnqueueCall(t *testing.T) {
	d := newTestDispatcher(t)

	var ran atomic.Bool
	r := d.EnqueueCall(nil, func(*Req) XprtStat {
		ran.Store(true)
		return XprtIdle
	})
	require.NotNil(t, r)

	we := NewWaitEntry()
	got := d.queues.Dequeue(we, nil)
	require.NotNil(t, got)
	assert.Equal(t, QCall, got.Class)

	got.process(got)
	assert.True(t, ran.Load())
	got.free()
}
