package gss

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nfsgate/internal/rpc"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func encodeGSSCred(c *Cred) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, Vers1)
	_ = binary.Write(buf, binary.BigEndian, c.Proc)
	_ = binary.Write(buf, binary.BigEndian, c.SeqNum)
	_ = binary.Write(buf, binary.BigEndian, c.Service)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(c.Handle)))
	buf.Write(c.Handle)
	for i := 0; i < int((4-(len(c.Handle)%4))%4); i++ {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

type stubVerifier struct {
	principal string
	err       error
}

func (s *stubVerifier) VerifyToken([]byte) (string, error) {
	return s.principal, s.err
}

// initTokenArgs builds the argument stream of an INIT call: one XDR
// opaque holding the client token.
func initTokenArgs() *bytes.Reader {
	buf := new(bytes.Buffer)
	token := []byte("ap-req-token")
	_ = binary.Write(buf, binary.BigEndian, uint32(len(token)))
	buf.Write(token)
	return bytes.NewReader(buf.Bytes())
}

func gssCall(proc, seq uint32, handle []byte) *rpc.CallMessage {
	return &rpc.CallMessage{
		XID:     42,
		Program: rpc.ProgramNFS,
		Version: rpc.NFSVersion4,
		Cred: rpc.OpaqueAuth{
			Flavor: rpc.AuthGSS,
			Body:   encodeGSSCred(&Cred{Proc: proc, SeqNum: seq, Service: SvcNone, Handle: handle}),
		},
	}
}

// ============================================================================
// DecodeCred Tests
// ============================================================================

func TestDecodeCred(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		want := &Cred{Proc: ProcData, SeqNum: 17, Service: SvcIntegrity, Handle: []byte("handle01")}
		got, err := DecodeCred(encodeGSSCred(want))
		require.NoError(t, err)
		assert.Equal(t, want.Proc, got.Proc)
		assert.Equal(t, want.SeqNum, got.SeqNum)
		assert.Equal(t, want.Service, got.Service)
		assert.Equal(t, want.Handle, got.Handle)
	})

	t.Run("RejectsShortBody", func(t *testing.T) {
		_, err := DecodeCred([]byte{0, 0, 0, 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too short")
	})

	t.Run("RejectsWrongVersion", func(t *testing.T) {
		body := encodeGSSCred(&Cred{Proc: ProcData})
		binary.BigEndian.PutUint32(body[0:4], 2)
		_, err := DecodeCred(body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version")
	})
}

// ============================================================================
// Processor Tests
// ============================================================================

func TestProcessorLifecycle(t *testing.T) {
	t.Run("InitEstablishesContext", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})

		res := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		assert.Equal(t, Handshake, res.Kind)
		assert.NotEmpty(t, res.HandshakeReply)
		assert.Equal(t, int64(1), p.ContextCount())
	})

	t.Run("InitRejectedOnBadToken", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{err: errors.New("bad ticket")}, ProcessorConfig{})

		res := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		assert.Equal(t, Reject, res.Kind)
		assert.Equal(t, rpc.GSSCredProblem, res.Stat)
		assert.Zero(t, p.ContextCount())
	})

	t.Run("DataWithUnknownHandleRejected", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})

		res := p.Authenticate(gssCall(ProcData, 1, []byte("nope")), bytes.NewReader(nil))
		assert.Equal(t, Reject, res.Kind)
		assert.Equal(t, rpc.GSSCredProblem, res.Stat)
	})

	t.Run("DataWithEstablishedContextDispatches", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})

		init := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		require.Equal(t, Handshake, init.Kind)

		// The handle is the first opaque in the init-res results, after
		// the 24-byte accepted-reply preamble.
		results := init.HandshakeReply[24:]
		hlen := binary.BigEndian.Uint32(results[0:4])
		handle := results[4 : 4+hlen]

		res := p.Authenticate(gssCall(ProcData, 1, handle), bytes.NewReader(nil))
		assert.Equal(t, Dispatch, res.Kind)
		require.NotNil(t, res.Cred)
		assert.Equal(t, ProcData, res.Cred.Proc)
	})

	t.Run("DestroyRemovesContext", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})

		init := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		results := init.HandshakeReply[24:]
		hlen := binary.BigEndian.Uint32(results[0:4])
		handle := results[4 : 4+hlen]
		require.Equal(t, int64(1), p.ContextCount())

		res := p.Authenticate(gssCall(ProcDestroy, 2, handle), bytes.NewReader(nil))
		assert.Equal(t, Handshake, res.Kind)
		assert.Zero(t, p.ContextCount())

		after := p.Authenticate(gssCall(ProcData, 3, handle), bytes.NewReader(nil))
		assert.Equal(t, Reject, after.Kind)
	})

	t.Run("SequenceCeilingEnforced", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})
		init := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		results := init.HandshakeReply[24:]
		hlen := binary.BigEndian.Uint32(results[0:4])
		handle := results[4 : 4+hlen]

		res := p.Authenticate(gssCall(ProcData, MaxSeq, handle), bytes.NewReader(nil))
		assert.Equal(t, Reject, res.Kind)
		assert.Equal(t, rpc.GSSCtxProblem, res.Stat)
	})

	t.Run("MalformedCredentialRejected", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{})
		call := &rpc.CallMessage{XID: 1, Cred: rpc.OpaqueAuth{Flavor: rpc.AuthGSS, Body: []byte{1, 2}}}
		res := p.Authenticate(call, bytes.NewReader(nil))
		assert.Equal(t, Reject, res.Kind)
		assert.Equal(t, rpc.AuthBadCred, res.Stat)
	})

	t.Run("ContextCapRejectsWhenFull", func(t *testing.T) {
		p := NewProcessor(&stubVerifier{principal: "alice"}, ProcessorConfig{MaxCtx: 1})

		first := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		require.Equal(t, Handshake, first.Kind)

		second := p.Authenticate(gssCall(ProcInit, 0, nil), initTokenArgs())
		assert.Equal(t, Reject, second.Kind)
	})
}
