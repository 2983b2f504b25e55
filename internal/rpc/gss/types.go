// Package gss implements the RPCSEC_GSS (RFC 2203) credential handling the
// dispatcher needs: credential decode, the context-establishment handshake
// short-circuit, and a Kerberos verifier backed by gokrb5. Message
// integrity and privacy transforms for established contexts are not
// implemented here; the Verifier interface covers only the tokens of
// context establishment.
package gss

import (
	"bytes"
	"fmt"

	"github.com/marmos91/nfsgate/internal/xdr"
)

// Vers1 is the only RPCSEC_GSS version defined.
const Vers1 uint32 = 1

// gss_proc values (RFC 2203 section 5.3.1).
const (
	ProcData         uint32 = 0
	ProcInit         uint32 = 1
	ProcContinueInit uint32 = 2
	ProcDestroy      uint32 = 3
)

// Service levels.
const (
	SvcNone      uint32 = 1
	SvcIntegrity uint32 = 2
	SvcPrivacy   uint32 = 3
)

// MaxSeq is the RFC 2203 sequence number ceiling.
const MaxSeq uint32 = 0x80000000

// maxHandleLen bounds server-assigned context handles.
const maxHandleLen = 128

// Cred is a decoded RPCSEC_GSS credential body (version 1).
type Cred struct {
	// Proc indicates the call's role in the context lifecycle:
	// DATA for protected application calls, INIT/CONTINUE_INIT for
	// context establishment, DESTROY for teardown.
	Proc uint32

	// SeqNum is the per-context sequence number.
	SeqNum uint32

	// Service is the protection level for the call body.
	Service uint32

	// Handle is the server-assigned context handle; empty during INIT.
	Handle []byte
}

// ProcString names a gss_proc value for logging.
func ProcString(proc uint32) string {
	switch proc {
	case ProcData:
		return "RPCSEC_GSS_DATA"
	case ProcInit:
		return "RPCSEC_GSS_INIT"
	case ProcContinueInit:
		return "RPCSEC_GSS_CONTINUE_INIT"
	case ProcDestroy:
		return "RPCSEC_GSS_DESTROY"
	default:
		return fmt.Sprintf("RPCSEC_GSS_%d", proc)
	}
}

// DecodeCred decodes an RPCSEC_GSS credential from an opaque auth body.
// The body starts with the version field, which must be 1.
func DecodeCred(body []byte) (*Cred, error) {
	if len(body) < 20 {
		return nil, fmt.Errorf("gss credential body too short: %d bytes", len(body))
	}
	r := bytes.NewReader(body)

	version, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read gss version: %w", err)
	}
	if version != Vers1 {
		return nil, fmt.Errorf("unsupported RPCSEC_GSS version: %d", version)
	}

	var cred Cred
	if cred.Proc, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read gss_proc: %w", err)
	}
	if cred.SeqNum, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read seq_num: %w", err)
	}
	if cred.Service, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read service: %w", err)
	}

	handle, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, fmt.Errorf("read handle: %w", err)
	}
	if len(handle) > maxHandleLen {
		return nil, fmt.Errorf("handle length %d exceeds maximum %d", len(handle), maxHandleLen)
	}
	cred.Handle = handle

	return &cred, nil
}
