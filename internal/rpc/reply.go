package rpc

import (
	"bytes"

	"github.com/marmos91/nfsgate/internal/xdr"
)

// Reply status (RFC 5531 section 9).
const (
	msgAccepted uint32 = 0
	msgDenied   uint32 = 1
)

// Accept status.
const (
	acceptSuccess      uint32 = 0
	acceptProgUnavail  uint32 = 1
	acceptProgMismatch uint32 = 2
	acceptProcUnavail  uint32 = 3
	acceptGarbageArgs  uint32 = 4
	acceptSystemErr    uint32 = 5
)

// Reject status.
const (
	rejectRPCMismatch uint32 = 0
	rejectAuthError   uint32 = 1
)

func writeReplyPreamble(buf *bytes.Buffer, xid, replyStat uint32) {
	_ = xdr.EncodeUint32(buf, xid)
	_ = xdr.EncodeUint32(buf, MsgReply)
	_ = xdr.EncodeUint32(buf, replyStat)
}

func writeNullVerifier(buf *bytes.Buffer) {
	_ = xdr.EncodeUint32(buf, uint32(AuthNone))
	_ = xdr.EncodeUint32(buf, 0)
}

// MakeSuccessReply builds an accepted SUCCESS reply carrying results.
// results may be nil for void procedures.
func MakeSuccessReply(xid uint32, results []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 24+len(results)))
	writeReplyPreamble(buf, xid, msgAccepted)
	writeNullVerifier(buf)
	_ = xdr.EncodeUint32(buf, acceptSuccess)
	buf.Write(results)
	return buf.Bytes()
}

// MakeAuthErrorReply builds a MSG_DENIED/AUTH_ERROR reply with the given
// auth-stat. This is the svcerr_auth path: the reply carries the reason the
// credential was rejected.
func MakeAuthErrorReply(xid uint32, why AuthStat) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgDenied)
	_ = xdr.EncodeUint32(&buf, rejectAuthError)
	_ = xdr.EncodeUint32(&buf, uint32(why))
	return buf.Bytes()
}

// MakeGarbageArgsReply builds an accepted GARBAGE_ARGS reply. This is the
// svcerr_decode path: the credential was fine but the argument body did not
// decode (or failed its integrity checksum).
func MakeGarbageArgsReply(xid uint32) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgAccepted)
	writeNullVerifier(&buf)
	_ = xdr.EncodeUint32(&buf, acceptGarbageArgs)
	return buf.Bytes()
}

// MakeProgUnavailReply builds an accepted PROG_UNAVAIL reply.
func MakeProgUnavailReply(xid uint32) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgAccepted)
	writeNullVerifier(&buf)
	_ = xdr.EncodeUint32(&buf, acceptProgUnavail)
	return buf.Bytes()
}

// MakeProgMismatchReply builds an accepted PROG_MISMATCH reply advertising
// the supported version range.
func MakeProgMismatchReply(xid, low, high uint32) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgAccepted)
	writeNullVerifier(&buf)
	_ = xdr.EncodeUint32(&buf, acceptProgMismatch)
	_ = xdr.EncodeUint32(&buf, low)
	_ = xdr.EncodeUint32(&buf, high)
	return buf.Bytes()
}

// MakeProcUnavailReply builds an accepted PROC_UNAVAIL reply.
func MakeProcUnavailReply(xid uint32) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgAccepted)
	writeNullVerifier(&buf)
	_ = xdr.EncodeUint32(&buf, acceptProcUnavail)
	return buf.Bytes()
}

// MakeSystemErrReply builds an accepted SYSTEM_ERR reply.
func MakeSystemErrReply(xid uint32) []byte {
	var buf bytes.Buffer
	writeReplyPreamble(&buf, xid, msgAccepted)
	writeNullVerifier(&buf)
	_ = xdr.EncodeUint32(&buf, acceptSystemErr)
	return buf.Bytes()
}
