package portmap

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/xdr"
)

// fakeRpcbind is a minimal in-process rpcbind speaking just enough of the
// portmapper protocol to answer SET and UNSET with a boolean.
type fakeRpcbind struct {
	conn *net.UDPConn

	mu       sync.Mutex
	mappings map[[3]uint32]uint32 // (prog, vers, prot) -> port
	calls    []uint32             // procedures seen, in order
}

func startFakeRpcbind(t *testing.T) *fakeRpcbind {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	f := &fakeRpcbind{conn: conn, mappings: make(map[[3]uint32]uint32)}
	go f.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return f
}

func (f *fakeRpcbind) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeRpcbind) serve() {
	buf := make([]byte, 1024)
	for {
		n, peer, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		r := bytes.NewReader(buf[:n])
		xid, _ := xdr.DecodeUint32(r)
		_, _ = xdr.DecodeUint32(r) // msg type
		_, _ = xdr.DecodeUint32(r) // rpc version
		_, _ = xdr.DecodeUint32(r) // program
		_, _ = xdr.DecodeUint32(r) // version
		proc, _ := xdr.DecodeUint32(r)
		_, _ = xdr.DecodeUint32(r) // cred flavor
		_, _ = xdr.DecodeOpaque(r) // cred body
		_, _ = xdr.DecodeUint32(r) // verf flavor
		_, _ = xdr.DecodeOpaque(r) // verf body

		prog, _ := xdr.DecodeUint32(r)
		vers, _ := xdr.DecodeUint32(r)
		prot, _ := xdr.DecodeUint32(r)
		port, _ := xdr.DecodeUint32(r)

		f.mu.Lock()
		f.calls = append(f.calls, proc)
		var ok bool
		switch proc {
		case ProcSet:
			key := [3]uint32{prog, vers, prot}
			if _, exists := f.mappings[key]; !exists {
				f.mappings[key] = port
				ok = true
			}
		case ProcUnset:
			for key := range f.mappings {
				if key[0] == prog && key[1] == vers {
					delete(f.mappings, key)
					ok = true
				}
			}
		}
		f.mu.Unlock()

		var result uint32
		if ok {
			result = 1
		}

		var reply bytes.Buffer
		_ = xdr.EncodeUint32(&reply, xid)
		_ = xdr.EncodeUint32(&reply, rpc.MsgReply)
		_ = xdr.EncodeUint32(&reply, 0) // accepted
		_ = xdr.EncodeUint32(&reply, 0) // verf flavor
		_ = xdr.EncodeUint32(&reply, 0) // verf length
		_ = xdr.EncodeUint32(&reply, 0) // success
		_ = xdr.EncodeUint32(&reply, result)
		_, _ = f.conn.WriteToUDP(reply.Bytes(), peer)
	}
}

func TestClientSetUnset(t *testing.T) {
	t.Run("SetRegistersMapping", func(t *testing.T) {
		srv := startFakeRpcbind(t)
		c := NewClient(srv.addr())

		ok, err := c.Set(context.Background(), Mapping{
			Prog: rpc.ProgramNFS, Vers: rpc.NFSVersion3, Prot: IPProtoTCP, Port: 2049,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		srv.mu.Lock()
		defer srv.mu.Unlock()
		assert.Equal(t, uint32(2049), srv.mappings[[3]uint32{rpc.ProgramNFS, rpc.NFSVersion3, IPProtoTCP}])
	})

	t.Run("DuplicateSetReturnsFalse", func(t *testing.T) {
		srv := startFakeRpcbind(t)
		c := NewClient(srv.addr())
		m := Mapping{Prog: rpc.ProgramMount, Vers: rpc.MountVersion3, Prot: IPProtoUDP, Port: 20048}

		ok, err := c.Set(context.Background(), m)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = c.Set(context.Background(), m)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UnsetSweepsAllProtocols", func(t *testing.T) {
		srv := startFakeRpcbind(t)
		c := NewClient(srv.addr())

		for _, prot := range []uint32{IPProtoUDP, IPProtoTCP} {
			_, err := c.Set(context.Background(), Mapping{
				Prog: rpc.ProgramNLM, Vers: rpc.NLMVersion4, Prot: prot, Port: 32803,
			})
			require.NoError(t, err)
		}

		ok, err := c.Unset(context.Background(), rpc.ProgramNLM, rpc.NLMVersion4)
		require.NoError(t, err)
		assert.True(t, ok)

		srv.mu.Lock()
		defer srv.mu.Unlock()
		assert.Empty(t, srv.mappings)
	})

	t.Run("TimesOutWithoutServer", func(t *testing.T) {
		c := NewClient("127.0.0.1:1") // nothing listens here
		c.Timeout = 200 * time.Millisecond

		_, err := c.Set(context.Background(), Mapping{Prog: 1, Vers: 1, Prot: IPProtoUDP, Port: 1})
		assert.Error(t, err)
	})
}
