// Package rpc implements the ONC RPC (RFC 5531) message layer used by the
// dispatcher: call-header decoding, credential parsing, reply construction,
// and TCP record marking. It deliberately stops at the RPC envelope;
// procedure bodies are decoded by the registered per-procedure decoders.
package rpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marmos91/nfsgate/internal/xdr"
)

// RPCVersion2 is the only ONC RPC protocol version in use.
const RPCVersion2 = 2

// Message types.
const (
	MsgCall  uint32 = 0
	MsgReply uint32 = 1
)

// Well-known program numbers served or spoken by the dispatcher.
const (
	ProgramPortmap uint32 = 100000
	ProgramNFS     uint32 = 100003
	ProgramMount   uint32 = 100005
	ProgramRQuota  uint32 = 100011
	ProgramNLM     uint32 = 100021
)

// Program versions.
const (
	NFSVersion2 uint32 = 2
	NFSVersion3 uint32 = 3
	NFSVersion4 uint32 = 4

	MountVersion1 uint32 = 1
	MountVersion3 uint32 = 3

	NLMVersion4 uint32 = 4

	RQuotaVersion1    uint32 = 1
	RQuotaVersionExt2 uint32 = 2

	PortmapVersion2 uint32 = 2
)

// AuthFlavor identifies the credential scheme of an RPC call.
type AuthFlavor uint32

// Credential flavors (RFC 5531 section 8.2, RFC 2203 for RPCSEC_GSS).
const (
	AuthNone  AuthFlavor = 0
	AuthSys   AuthFlavor = 1
	AuthShort AuthFlavor = 2
	AuthGSS   AuthFlavor = 6
)

func (f AuthFlavor) String() string {
	switch f {
	case AuthNone:
		return "AUTH_NONE"
	case AuthSys:
		return "AUTH_SYS"
	case AuthShort:
		return "AUTH_SHORT"
	case AuthGSS:
		return "RPCSEC_GSS"
	default:
		return fmt.Sprintf("AUTH_%d", uint32(f))
	}
}

// AuthStat is the authentication failure code carried in AUTH_ERROR
// rejections (RFC 5531 section 9, RFC 2203 section 5.1).
type AuthStat uint32

const (
	AuthOK           AuthStat = 0
	AuthBadCred      AuthStat = 1
	AuthRejectedCred AuthStat = 2
	AuthBadVerf      AuthStat = 3
	AuthRejectedVerf AuthStat = 4
	AuthTooWeak      AuthStat = 5
	AuthInvalidResp  AuthStat = 6
	AuthFailed       AuthStat = 7
	GSSCredProblem   AuthStat = 13
	GSSCtxProblem    AuthStat = 14
)

func (s AuthStat) String() string {
	switch s {
	case AuthOK:
		return "AUTH_OK"
	case AuthBadCred:
		return "AUTH_BADCRED"
	case AuthRejectedCred:
		return "AUTH_REJECTEDCRED"
	case AuthBadVerf:
		return "AUTH_BADVERF"
	case AuthRejectedVerf:
		return "AUTH_REJECTEDVERF"
	case AuthTooWeak:
		return "AUTH_TOOWEAK"
	case AuthInvalidResp:
		return "AUTH_INVALIDRESP"
	case AuthFailed:
		return "AUTH_FAILED"
	case GSSCredProblem:
		return "RPCSEC_GSS_CREDPROBLEM"
	case GSSCtxProblem:
		return "RPCSEC_GSS_CTXPROBLEM"
	default:
		return fmt.Sprintf("AUTH_STAT_%d", uint32(s))
	}
}

// OpaqueAuth is a raw credential or verifier as it appears on the wire.
type OpaqueAuth struct {
	Flavor AuthFlavor
	Body   []byte
}

// CallMessage is a decoded RPC call header. The procedure arguments that
// follow it on the wire are left in the stream for the per-procedure
// decoder.
type CallMessage struct {
	XID        uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// ParseCallMessage decodes an RPC call header from r, leaving the stream
// positioned at the first byte of the procedure arguments.
func ParseCallMessage(r io.Reader) (*CallMessage, error) {
	var msg CallMessage
	var err error

	if msg.XID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read xid: %w", err)
	}

	msgType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read message type: %w", err)
	}
	if msgType != MsgCall {
		return nil, fmt.Errorf("message type %d is not a call", msgType)
	}

	if msg.RPCVersion, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read rpc version: %w", err)
	}
	if msg.RPCVersion != RPCVersion2 {
		return nil, fmt.Errorf("unsupported rpc version %d", msg.RPCVersion)
	}

	if msg.Program, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	if msg.Version, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if msg.Procedure, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read procedure: %w", err)
	}

	if msg.Cred, err = parseOpaqueAuth(r); err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if msg.Verf, err = parseOpaqueAuth(r); err != nil {
		return nil, fmt.Errorf("read verifier: %w", err)
	}

	return &msg, nil
}

func parseOpaqueAuth(r io.Reader) (OpaqueAuth, error) {
	flavor, err := xdr.DecodeUint32(r)
	if err != nil {
		return OpaqueAuth{}, err
	}
	body, err := xdr.DecodeOpaque(r)
	if err != nil {
		return OpaqueAuth{}, err
	}
	if len(body) > maxAuthBodyLen {
		return OpaqueAuth{}, fmt.Errorf("auth body %d bytes exceeds %d", len(body), maxAuthBodyLen)
	}
	return OpaqueAuth{Flavor: AuthFlavor(flavor), Body: body}, nil
}

// maxAuthBodyLen is the RFC 5531 cap on opaque_auth bodies.
const maxAuthBodyLen = 400

// UnixAuth is a parsed AUTH_SYS credential body.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// AUTH_SYS field limits (RFC 5531 appendix A).
const (
	maxMachineNameLen = 255
	maxAuthSysGIDs    = 16
)

// ParseUnixAuth decodes an AUTH_SYS credential body.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty AUTH_SYS body")
	}
	r := bytes.NewReader(body)

	var auth UnixAuth
	var err error

	if auth.Stamp, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read stamp: %w", err)
	}

	nameLen, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read machine name length: %w", err)
	}
	if nameLen > maxMachineNameLen {
		return nil, fmt.Errorf("machine name too long: %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("read machine name: %w", err)
	}
	if pad := xdr.Padding(nameLen); pad > 0 {
		var buf [3]byte
		if _, err := io.ReadFull(r, buf[:pad]); err != nil {
			return nil, fmt.Errorf("read machine name padding: %w", err)
		}
	}
	auth.MachineName = string(name)

	if auth.UID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read uid: %w", err)
	}
	if auth.GID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read gid: %w", err)
	}

	nGIDs, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read gid count: %w", err)
	}
	if nGIDs > maxAuthSysGIDs {
		return nil, fmt.Errorf("too many gids: %d", nGIDs)
	}
	auth.GIDs = make([]uint32, 0, nGIDs)
	for i := uint32(0); i < nGIDs; i++ {
		gid, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read gid %d: %w", i, err)
		}
		auth.GIDs = append(auth.GIDs, gid)
	}

	return &auth, nil
}
