package dispatch

import (
	"bytes"
	"fmt"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/rpc/gss"
)

// decodeRequest is the decode pipeline entry point, run on the event
// channel thread (or a decoder thread drawn from the decoder fridge).
// It allocates the request record, decodes and authenticates the call,
// classifies it, and enqueues it for a worker. Per-request failures are
// answered with RPC-level error replies here and never reach the queues.
//
// The returned transport status drives the transport library's next read
// on the same connection.
func (d *Dispatcher) decodeRequest(x *Xprt, body []byte, reply ReplyFunc) XprtStat {
	r := allocReq(x, body)
	r.Reply = reply

	rd := bytes.NewReader(body)
	msg, err := rpc.ParseCallMessage(rd)
	if err != nil {
		logger.Info("RPC header decode failed",
			"proto", x.proto.String(), "fd", x.fd, "error", err)
		if x.kind == XprtStreamConn {
			// Stream framing is gone; the connection cannot recover.
			x.markDied()
		}
		stat := x.Stat()
		r.free()
		return stat
	}
	r.Msg = msg

	logger.Debug("Call decoded",
		"xid", fmt.Sprintf("0x%x", msg.XID),
		"prog", msg.Program, "vers", msg.Version, "proc", msg.Procedure,
		"cred", msg.Cred.Flavor.String())

	d.processDecoded(r, rd)

	// Status may have moved (the peer can die while we were decoding);
	// report the transport's current view and drop the pipeline's own
	// reference to the record.
	stat := x.Stat()
	r.free()
	return stat
}

// processDecoded authenticates, argument-decodes, classifies, and enqueues
// one parsed call.
func (d *Dispatcher) processDecoded(r *Req, rd *bytes.Reader) {
	x := r.Xprt
	msg := r.Msg

	// First request on this transport binds the DRC slot.
	x.BindDRC(d.drc)

	switch d.authenticate(r, rd) {
	case authProceed:
	case authConsumed:
		return
	}

	desc, errReply := d.lookupFunc(msg)
	if desc == nil {
		d.sendReply(r, errReply)
		return
	}

	decodeArgs := desc.Decode
	if decodeArgs == nil {
		decodeArgs = decodeRaw
	}
	args, err := decodeArgs(rd)
	if err != nil {
		logger.Info("Argument decode failed",
			"proc", desc.Name, "xid", fmt.Sprintf("0x%x", msg.XID), "error", err)
		if d.metrics != nil {
			d.metrics.RecordDecodeError()
		}
		d.sendReply(r, rpc.MakeGarbageArgsReply(msg.XID))
		return
	}
	r.Args = args
	r.Desc = desc

	desc.Lookahead(args, &r.Lookahead)

	if !d.checksum(r) {
		logger.Info("Request checksum failed",
			"proc", desc.Name, "xid", fmt.Sprintf("0x%x", msg.XID))
		if d.metrics != nil {
			d.metrics.RecordDecodeError()
		}
		if desc.Free != nil {
			desc.Free(args)
			r.Args = nil
		}
		d.sendReply(r, rpc.MakeGarbageArgsReply(msg.XID))
		return
	}

	r.process = x.Process()

	// Second reference held by the queue until the worker finishes.
	r.ref()
	d.queues.Enqueue(r)
}

// authOutcome says whether a decoded call continues down the pipeline.
type authOutcome int

const (
	authProceed  authOutcome = iota // credential accepted; keep going
	authConsumed                    // replied here (reject or GSS handshake)
)

// authenticate validates the call's credential. GSS negotiation frames are
// consumed here: the handshake reply is sent and the request never
// reaches a queue. rd is the argument stream; GSS context establishment
// reads its token from it.
func (d *Dispatcher) authenticate(r *Req, rd *bytes.Reader) authOutcome {
	msg := r.Msg

	switch msg.Cred.Flavor {
	case rpc.AuthNone:
		return authProceed

	case rpc.AuthSys:
		if _, err := rpc.ParseUnixAuth(msg.Cred.Body); err != nil {
			logger.Info("AUTH_SYS credential rejected",
				"xid", fmt.Sprintf("0x%x", msg.XID), "error", err)
			d.rejectAuth(r, rpc.AuthBadCred)
			return authConsumed
		}
		return authProceed

	case rpc.AuthGSS:
		if d.gss == nil {
			d.rejectAuth(r, rpc.AuthTooWeak)
			return authConsumed
		}
		res := d.gss.Authenticate(msg, rd)
		switch res.Kind {
		case gss.Dispatch:
			return authProceed
		case gss.Handshake:
			logger.Debug("GSS negotiation frame consumed",
				"xid", fmt.Sprintf("0x%x", msg.XID),
				"gss_proc", gss.ProcString(res.Cred.Proc))
			d.sendReply(r, res.HandshakeReply)
			return authConsumed
		default:
			d.rejectAuth(r, res.Stat)
			return authConsumed
		}

	default:
		d.rejectAuth(r, rpc.AuthRejectedCred)
		return authConsumed
	}
}

// rejectAuth emits the svcerr_auth reply carrying the auth-stat.
func (d *Dispatcher) rejectAuth(r *Req, why rpc.AuthStat) {
	logger.Info("Could not authenticate request, rejecting",
		"xid", fmt.Sprintf("0x%x", r.Msg.XID), "auth_stat", why.String())
	if d.metrics != nil {
		d.metrics.RecordAuthReject(why.String())
	}
	d.sendReply(r, rpc.MakeAuthErrorReply(r.Msg.XID, why))
}

// lookupFunc resolves the procedure descriptor, or builds the RPC error
// reply for unknown programs, versions, and procedures.
func (d *Dispatcher) lookupFunc(msg *rpc.CallMessage) (*FuncDesc, []byte) {
	// Version gating comes first: descriptors exist for every version the
	// registry knows, but only configured families are served.
	if msg.Program == rpc.ProgramNFS {
		low, high := d.nfsVersionRange()
		if msg.Version < low || msg.Version > high {
			return nil, rpc.MakeProgMismatchReply(msg.XID, low, high)
		}
	}

	if desc := d.funcs.Lookup(msg.Program, msg.Version, msg.Procedure); desc != nil {
		return desc, nil
	}

	switch msg.Program {
	case rpc.ProgramNFS, rpc.ProgramMount, rpc.ProgramNLM, rpc.ProgramRQuota:
		return nil, rpc.MakeProcUnavailReply(msg.XID)
	default:
		logger.Debug("Unknown program", "program", msg.Program)
		return nil, rpc.MakeProgUnavailReply(msg.XID)
	}
}

func (d *Dispatcher) nfsVersionRange() (uint32, uint32) {
	low, high := rpc.NFSVersion4, rpc.NFSVersion4
	if d.cfg.Core.NFSv3 {
		low = rpc.NFSVersion3
	}
	if !d.cfg.Core.NFSv4 {
		high = rpc.NFSVersion3
	}
	return low, high
}

// checksum is the post-decode integrity hook. AUTH_NONE and AUTH_SYS have
// no body protection; GSS integrity verification for established contexts
// belongs to the GSS layer and defaults to accept when it is absent.
func (d *Dispatcher) checksum(r *Req) bool {
	if r.Msg.Cred.Flavor != rpc.AuthGSS || d.checksumFn == nil {
		return true
	}
	return d.checksumFn(r)
}

// sendReply writes a pipeline-level reply, tolerating transports that can
// no longer be written.
func (d *Dispatcher) sendReply(r *Req, reply []byte) {
	if reply == nil || r.Reply == nil {
		return
	}
	if err := r.Reply(reply); err != nil {
		logger.Debug("Reply write failed",
			"xid", fmt.Sprintf("0x%x", r.Msg.XID), "error", err)
		r.Xprt.markDied()
	}
}
