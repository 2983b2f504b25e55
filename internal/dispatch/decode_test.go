package dispatch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/rpc/gss"
	"github.com/marmos91/nfsgate/pkg/config"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	d := New(cfg, ProgramHandlers{
		NFS:    func(r *Req) XprtStat { return XprtIdle },
		Mount:  func(r *Req) XprtStat { return XprtIdle },
		NLM:    func(r *Req) XprtStat { return XprtIdle },
		RQuota: func(r *Req) XprtStat { return XprtIdle },
	}, Options{})
	d.queues = NewQueueSet(nil)
	return d
}

func newTestXprt(d *Dispatcher, proto Proto) *Xprt {
	x := newXprt(d.xprtIDs.Add(1), XprtDatagram, proto, -1,
		d.cfg.RPC.MaxSendBufferSize.Int(), d.cfg.RPC.MaxRecvBufferSize.Int())
	x.private = &XprtPrivate{Proto: proto}
	x.setProcess(d.processFor(proto))
	return x
}

// encodeCall builds a wire-format RPC call with the given credential and
// argument bytes.
func encodeCall(xid, prog, vers, proc uint32, cred rpc.OpaqueAuth, args []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, xid)
	_ = binary.Write(buf, binary.BigEndian, rpc.MsgCall)
	_ = binary.Write(buf, binary.BigEndian, uint32(rpc.RPCVersion2))
	_ = binary.Write(buf, binary.BigEndian, prog)
	_ = binary.Write(buf, binary.BigEndian, vers)
	_ = binary.Write(buf, binary.BigEndian, proc)

	writeAuth := func(a rpc.OpaqueAuth) {
		_ = binary.Write(buf, binary.BigEndian, uint32(a.Flavor))
		_ = binary.Write(buf, binary.BigEndian, uint32(len(a.Body)))
		buf.Write(a.Body)
		for i := 0; i < int((4-(len(a.Body)%4))%4); i++ {
			buf.WriteByte(0)
		}
	}
	writeAuth(cred)
	writeAuth(rpc.OpaqueAuth{Flavor: rpc.AuthNone})
	buf.Write(args)
	return buf.Bytes()
}

type capturedReply struct {
	msgs [][]byte
}

func (c *capturedReply) fn(msg []byte) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func replyWord(t *testing.T, msg []byte, off int) uint32 {
	t.Helper()
	require.GreaterOrEqual(t, len(msg), off+4)
	return binary.BigEndian.Uint32(msg[off : off+4])
}

// ============================================================================
// Decode Pipeline Tests
// ============================================================================

func TestDecodeRequest(t *testing.T) {
	t.Run("EnqueuesAuthenticatedCall", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoNFS)
		var reply capturedReply

		body := encodeCall(0x10, rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcRead,
			rpc.OpaqueAuth{Flavor: rpc.AuthNone}, []byte{0, 0, 0, 0})

		stat := d.decodeRequest(x, append([]byte(nil), body...), reply.fn)
		assert.Equal(t, XprtIdle, stat)
		assert.Empty(t, reply.msgs)
		assert.Equal(t, uint64(1), d.queues.EnqueuedCount())

		we := NewWaitEntry()
		r := d.queues.Dequeue(we, nil)
		require.NotNil(t, r)
		assert.Equal(t, QHighLatency, r.Class)
		assert.NotNil(t, r.process)

		// The queue still holds its reference; the transport is pinned.
		assert.Equal(t, int32(2), x.Refs())
		r.free()
		assert.Equal(t, int32(1), x.Refs())
	})

	t.Run("AuthRejectNeverEnqueues", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoNFS)
		var reply capturedReply

		// AUTH_SYS with a garbage body fails credential parsing.
		body := encodeCall(0x22, rpc.ProgramNFS, rpc.NFSVersion3, 0,
			rpc.OpaqueAuth{Flavor: rpc.AuthSys, Body: []byte{1, 2, 3, 4}}, nil)

		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

		require.Len(t, reply.msgs, 1)
		msg := reply.msgs[0]
		assert.Equal(t, uint32(0x22), replyWord(t, msg, 0))
		assert.Equal(t, uint32(1), replyWord(t, msg, 8))  // MSG_DENIED
		assert.Equal(t, uint32(1), replyWord(t, msg, 12)) // AUTH_ERROR
		assert.Equal(t, uint32(rpc.AuthBadCred), replyWord(t, msg, 16))

		assert.Zero(t, d.queues.EnqueuedCount())
		assert.Equal(t, int32(1), x.Refs())
	})

	t.Run("UnknownProgramGetsProgUnavail", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoNFS)
		var reply capturedReply

		body := encodeCall(0x33, 200042, 1, 0, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

		require.Len(t, reply.msgs, 1)
		assert.Equal(t, uint32(0), replyWord(t, reply.msgs[0], 8)) // MSG_ACCEPTED
		assert.Equal(t, uint32(1), replyWord(t, reply.msgs[0], 20))
		assert.Zero(t, d.queues.EnqueuedCount())
	})

	t.Run("UnsupportedNFSVersionGetsProgMismatch", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoNFS)
		var reply capturedReply

		body := encodeCall(0x44, rpc.ProgramNFS, 2, 0, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

		require.Len(t, reply.msgs, 1)
		msg := reply.msgs[0]
		assert.Equal(t, uint32(2), replyWord(t, msg, 20)) // PROG_MISMATCH
		assert.Equal(t, rpc.NFSVersion3, replyWord(t, msg, 24))
		assert.Equal(t, rpc.NFSVersion4, replyWord(t, msg, 28))
	})

	t.Run("GarbledHeaderKillsStreamTransport", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoNFS)
		x.kind = XprtStreamConn
		var reply capturedReply

		stat := d.decodeRequest(x, []byte{1, 2, 3}, reply.fn)
		assert.Equal(t, XprtDied, stat)
		assert.Empty(t, reply.msgs)
	})

	t.Run("MountCallClassifiesAsMount", func(t *testing.T) {
		d := newTestDispatcher(t)
		x := newTestXprt(d, ProtoMNT)
		var reply capturedReply

		body := encodeCall(0x55, rpc.ProgramMount, rpc.MountVersion3, 1,
			rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

		we := NewWaitEntry()
		r := d.queues.Dequeue(we, nil)
		require.NotNil(t, r)
		assert.Equal(t, QMount, r.Class)
		r.free()
	})

	t.Run("LazyDRCBindingOnFirstRequest", func(t *testing.T) {
		d := newTestDispatcher(t)
		drc := &countingDRC{}
		d.drc = drc
		x := newTestXprt(d, ProtoNFS)
		x.freeUserData = d.freeUserData
		var reply capturedReply

		assert.Nil(t, x.drc)

		body := encodeCall(0x66, rpc.ProgramNFS, rpc.NFSVersion3, 0,
			rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)
		assert.Equal(t, 1, drc.binds)

		// A second request must not rebind.
		d.decodeRequest(x, append([]byte(nil), body...), reply.fn)
		assert.Equal(t, 1, drc.binds)

		// Drain the queue, then drop the test's transport ref. The
		// dequeued requests are not freed, so the binding stays held.
		we := NewWaitEntry()
		for d.queues.Dequeue(we, func() bool { return true }) != nil {
		}
		x.Release()
		// Queue still holds refs for the two requests.
		assert.Equal(t, 0, drc.releases)
	})
}

type countingDRC struct {
	binds    int
	releases int
}

func (c *countingDRC) Bind(x *Xprt) DRCBinding {
	c.binds++
	return c
}

func (c *countingDRC) Release(x *Xprt, b DRCBinding) {
	c.releases++
}

// ============================================================================
// GSS Pipeline Tests
// ============================================================================

type stubGSSVerifier struct{ principal string }

func (s *stubGSSVerifier) VerifyToken([]byte) (string, error) { return s.principal, nil }

func encodeGSSCredBody(proc, seq uint32, handle []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, gss.Vers1)
	_ = binary.Write(buf, binary.BigEndian, proc)
	_ = binary.Write(buf, binary.BigEndian, seq)
	_ = binary.Write(buf, binary.BigEndian, gss.SvcNone)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(handle)))
	buf.Write(handle)
	return buf.Bytes()
}

func TestGSSHandshakeShortCircuit(t *testing.T) {
	d := newTestDispatcher(t)
	d.gss = gss.NewProcessor(&stubGSSVerifier{principal: "nfs/server"}, gss.ProcessorConfig{})
	x := newTestXprt(d, ProtoNFS)
	var reply capturedReply

	// INIT arguments: one XDR opaque carrying the client token.
	token := new(bytes.Buffer)
	_ = binary.Write(token, binary.BigEndian, uint32(8))
	token.WriteString("ap-req-8")

	body := encodeCall(0x77, rpc.ProgramNFS, rpc.NFSVersion4, 0,
		rpc.OpaqueAuth{Flavor: rpc.AuthGSS, Body: encodeGSSCredBody(gss.ProcInit, 0, nil)},
		token.Bytes())

	stat := d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

	// The negotiation frame is consumed: a handshake reply went out and
	// nothing reached the queues.
	assert.Equal(t, XprtIdle, stat)
	require.Len(t, reply.msgs, 1)
	assert.Equal(t, uint32(0), replyWord(t, reply.msgs[0], 8)) // MSG_ACCEPTED
	assert.Zero(t, d.queues.EnqueuedCount())
	assert.Equal(t, int32(1), x.Refs())
}

func TestGSSWithoutProcessorRejected(t *testing.T) {
	d := newTestDispatcher(t)
	x := newTestXprt(d, ProtoNFS)
	var reply capturedReply

	body := encodeCall(0x88, rpc.ProgramNFS, rpc.NFSVersion4, 0,
		rpc.OpaqueAuth{Flavor: rpc.AuthGSS, Body: encodeGSSCredBody(gss.ProcData, 1, []byte("h"))}, nil)
	d.decodeRequest(x, append([]byte(nil), body...), reply.fn)

	require.Len(t, reply.msgs, 1)
	assert.Equal(t, uint32(rpc.AuthTooWeak), replyWord(t, reply.msgs[0], 16))
	assert.Zero(t, d.queues.EnqueuedCount())
}

// ============================================================================
// FuncDesc Tests
// ============================================================================

func TestFuncRegistry(t *testing.T) {
	fr := NewFuncRegistry()

	t.Run("NFSv3ReadIsHighLatency", func(t *testing.T) {
		desc := fr.Lookup(rpc.ProgramNFS, rpc.NFSVersion3, nfs3ProcRead)
		require.NotNil(t, desc)
		var la Lookahead
		desc.Lookahead(nil, &la)
		assert.True(t, la.highLatency())
	})

	t.Run("MountProceduresCarryMountBit", func(t *testing.T) {
		desc := fr.Lookup(rpc.ProgramMount, rpc.MountVersion3, 3)
		require.NotNil(t, desc)
		var la Lookahead
		desc.Lookahead(nil, &la)
		assert.NotZero(t, la.Flags&LookaheadMount)
	})

	t.Run("UnknownProcedureIsNil", func(t *testing.T) {
		assert.Nil(t, fr.Lookup(rpc.ProgramNFS, rpc.NFSVersion3, 99))
	})

	t.Run("CompoundScanFlagsStorageOps", func(t *testing.T) {
		desc := fr.Lookup(rpc.ProgramNFS, rpc.NFSVersion4, 1)
		require.NotNil(t, desc)

		// COMPOUND args: empty tag, minorversion 0, 2 ops:
		// PUTFH(22) with a 4-byte handle, then READ(25).
		buf := new(bytes.Buffer)
		_ = binary.Write(buf, binary.BigEndian, uint32(0)) // tag length
		_ = binary.Write(buf, binary.BigEndian, uint32(0)) // minorversion
		_ = binary.Write(buf, binary.BigEndian, uint32(2)) // opcount
		_ = binary.Write(buf, binary.BigEndian, uint32(22))
		_ = binary.Write(buf, binary.BigEndian, uint32(4))
		buf.Write([]byte{0xde, 0xad, 0xbe, 0xef})
		_ = binary.Write(buf, binary.BigEndian, uint32(25))

		args, err := desc.Decode(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)

		var la Lookahead
		desc.Lookahead(args, &la)
		assert.NotZero(t, la.Flags&LookaheadRead)
		assert.Equal(t, QHighLatency, classify(ReqNFS, la))
	})

	t.Run("CompoundWithoutStorageOpsStaysLow", func(t *testing.T) {
		desc := fr.Lookup(rpc.ProgramNFS, rpc.NFSVersion4, 1)

		buf := new(bytes.Buffer)
		_ = binary.Write(buf, binary.BigEndian, uint32(0))
		_ = binary.Write(buf, binary.BigEndian, uint32(0))
		_ = binary.Write(buf, binary.BigEndian, uint32(2))
		_ = binary.Write(buf, binary.BigEndian, uint32(24)) // PUTROOTFH
		_ = binary.Write(buf, binary.BigEndian, uint32(10)) // GETFH

		args, err := desc.Decode(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)

		var la Lookahead
		desc.Lookahead(args, &la)
		assert.False(t, la.highLatency())
	})
}
