package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/bufpool"
)

// ReqType distinguishes client requests from server-internal callback
// calls (NFSv4 callbacks the server issues to itself).
type ReqType int

const (
	ReqNFS ReqType = iota
	ReqCall
)

// Lookahead flag bits produced during argument decode. They summarize the
// request's character for queue classification without interpreting it.
const (
	LookaheadMount uint32 = 1 << iota
	LookaheadRead
	LookaheadWrite
	LookaheadCommit
	LookaheadReaddir
)

// Lookahead is the bitset extracted while decoding a request.
type Lookahead struct {
	Flags uint32
}

// highLatency reports whether the lookahead marks an operation expected to
// block on storage.
func (l Lookahead) highLatency() bool {
	return l.Flags&(LookaheadRead|LookaheadWrite|LookaheadCommit|LookaheadReaddir) != 0
}

// ReplyFunc sends one RPC reply on the transport the request arrived on.
type ReplyFunc func(msg []byte) error

// Req is one in-flight request record. It holds a transport reference from
// allocation to final free, and a private refcount (refs) that gates
// destruction: the decode pipeline holds one reference, the queue holds a
// second from enqueue until the worker finishes.
type Req struct {
	Type ReqType

	// Xprt is the transport the request arrived on; its refcount is
	// incremented at allocation and decremented when the record is freed.
	Xprt *Xprt

	// Msg is the decoded RPC call header.
	Msg *rpc.CallMessage

	// Body holds the raw argument bytes (pooled; returned on free).
	Body []byte

	// Args is the decoded argument value produced by Desc.Decode.
	Args any

	// Desc is the procedure descriptor used to decode Args.
	Desc *FuncDesc

	// Lookahead carries the classification bits extracted during decode.
	Lookahead Lookahead

	// Class is the destination queue, fixed at enqueue time.
	Class QClass

	// EnqueuedAt is stamped when the request enters its producer queue.
	EnqueuedAt time.Time

	// Reply sends a reply on the originating transport.
	Reply ReplyFunc

	// process is the protocol-family handler chosen during dispatch.
	process ProcessFunc

	refs atomic.Int32

	// next links the record into a class queue.
	next *Req
}

var reqPool = sync.Pool{New: func() any { return new(Req) }}

// allocReq draws a request record from the pool, takes a transport
// reference, and starts the record with one pipeline reference. The call
// header is filled in by the decode step.
func allocReq(x *Xprt, body []byte) *Req {
	r := reqPool.Get().(*Req)
	*r = Req{
		Type: ReqNFS,
		Xprt: x,
		Body: body,
	}
	x.Ref()
	r.refs.Store(1)
	return r
}

// ref takes an additional reference on the record (the queue's reference).
func (r *Req) ref() {
	r.refs.Add(1)
}

// free drops one reference and, on the last one, disposes the record:
// pooled buffers are returned, decoded arguments are released through the
// descriptor's paired free routine, and the transport reference is dropped.
// Returns the remaining reference count.
func (r *Req) free() int32 {
	if n := r.refs.Add(-1); n > 0 {
		return n
	}

	if r.Desc != nil && r.Desc.Free != nil && r.Args != nil {
		r.Desc.Free(r.Args)
	}
	if r.Body != nil {
		bufpool.Put(r.Body)
	}

	x := r.Xprt
	*r = Req{}
	reqPool.Put(r)
	if x != nil {
		x.Release()
	}
	return 0
}
