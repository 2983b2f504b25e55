package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/nfsgate/internal/logger"
)

// XprtStat is the transport status the decode pipeline and the receive
// callbacks report back to the event machinery. Transitions are monotone
// toward XprtDestroyed.
type XprtStat int32

const (
	XprtIdle XprtStat = iota
	XprtDispatch
	XprtDied
	XprtDestroyed
)

func (s XprtStat) String() string {
	switch s {
	case XprtIdle:
		return "XPRT_IDLE"
	case XprtDispatch:
		return "XPRT_DISPATCH"
	case XprtDied:
		return "XPRT_DIED"
	case XprtDestroyed:
		return "XPRT_DESTROYED"
	default:
		return fmt.Sprintf("XPRT_%d", int32(s))
	}
}

// XprtKind distinguishes the transport variants.
type XprtKind int

const (
	XprtDatagram XprtKind = iota
	XprtStreamListener
	XprtStreamConn
	XprtRdmaListener
	XprtRdmaConn
)

func (k XprtKind) String() string {
	switch k {
	case XprtDatagram:
		return "datagram"
	case XprtStreamListener:
		return "stream-listener"
	case XprtStreamConn:
		return "stream-conn"
	case XprtRdmaListener:
		return "rdma-listener"
	case XprtRdmaConn:
		return "rdma-conn"
	default:
		return "unknown"
	}
}

// XprtPrivate is the per-transport private state (the u1 slot).
type XprtPrivate struct {
	Proto     Proto
	CreatedAt time.Time
}

// DRCBinding is an opaque duplicate-request-cache slot owned by the DRC
// subsystem. The dispatcher only tracks its lifetime.
type DRCBinding interface{}

// DRCProvider binds transports to DRC slots. NFSv3 shares one DRC per
// process while NFSv4 gets per-connection caches, which is why the binding
// happens lazily on the first request rather than at transport creation.
type DRCProvider interface {
	// Bind allocates or finds the DRC slot for x.
	Bind(x *Xprt) DRCBinding

	// Release returns the slot when the transport is destroyed.
	Release(x *Xprt, binding DRCBinding)
}

// RendezvousFunc runs on the owning event channel when the transport is
// readable: listeners accept, connected transports receive and decode.
type RendezvousFunc func(x *Xprt) XprtStat

// ProcessFunc executes a decoded request. The per-protocol rendezvous
// callback selects it before the request is enqueued.
type ProcessFunc func(req *Req) XprtStat

// Xprt is one service transport. Lifetime is reference counted: the event
// channel holds one reference, every pending request holds one, and the
// final release destroys the transport, frees the private slot, and hands
// back any DRC binding exactly once.
type Xprt struct {
	id    uint64
	kind  XprtKind
	proto Proto

	// fd is the socket (or RDMA handle surrogate). Owned by the xprt for
	// accepted connections; listening fds are owned by the provisioner
	// and closed directly at shutdown.
	fd      int
	ownsFD  bool
	remote  string
	sendMax int
	recvMax int

	state atomic.Int32
	refs  atomic.Int32

	// private is the u1 slot, allocated at creation (or accept).
	private *XprtPrivate

	// drc is the u2 slot: nil until the first request binds it.
	drcMu sync.Mutex
	drc   DRCBinding

	rendezvous RendezvousFunc
	process    atomic.Pointer[ProcessFunc]

	// freeUserData releases u1 and the DRC binding at destruction.
	freeUserData func(x *Xprt)

	// channel this transport is registered with, set exactly once before
	// the first event is delivered.
	chanID int

	// writeMu serializes reply writes on stream transports.
	writeMu sync.Mutex

	destroyOnce sync.Once
}

// newXprt builds a transport with one reference held by the caller.
func newXprt(id uint64, kind XprtKind, proto Proto, fd int, sendMax, recvMax int) *Xprt {
	x := &Xprt{
		id:      id,
		kind:    kind,
		proto:   proto,
		fd:      fd,
		sendMax: sendMax,
		recvMax: recvMax,
		chanID:  -1,
	}
	x.refs.Store(1)
	x.state.Store(int32(XprtIdle))
	return x
}

// ID returns the transport's process-unique identifier.
func (x *Xprt) ID() uint64 { return x.id }

// Kind returns the transport variant.
func (x *Xprt) Kind() XprtKind { return x.kind }

// Proto returns the protocol endpoint this transport serves.
func (x *Xprt) Proto() Proto { return x.proto }

// FD returns the underlying descriptor.
func (x *Xprt) FD() int { return x.fd }

// Remote returns the peer address for accepted connections.
func (x *Xprt) Remote() string { return x.remote }

// Private returns the u1 slot.
func (x *Xprt) Private() *XprtPrivate { return x.private }

// Stat returns the current transport status.
func (x *Xprt) Stat() XprtStat {
	return XprtStat(x.state.Load())
}

// setStat advances the status. Transitions are monotone: a transport that
// has died cannot go back to idle, and destroyed is terminal.
func (x *Xprt) setStat(s XprtStat) {
	for {
		cur := x.state.Load()
		if cur >= int32(s) && s != XprtIdle {
			return
		}
		if cur >= int32(XprtDied) {
			// Only the destroy path may move past Died.
			if s != XprtDestroyed {
				return
			}
		}
		if x.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// setProcess installs the process callback chosen during dispatch.
func (x *Xprt) setProcess(fn ProcessFunc) {
	x.process.Store(&fn)
}

// Process returns the installed process callback, or nil.
func (x *Xprt) Process() ProcessFunc {
	if p := x.process.Load(); p != nil {
		return *p
	}
	return nil
}

// Ref acquires a reference.
func (x *Xprt) Ref() {
	x.refs.Add(1)
}

// Refs returns the current reference count.
func (x *Xprt) Refs() int32 {
	return x.refs.Load()
}

// Release drops a reference. The holder of the last reference destroys the
// transport: state goes to Destroyed, the free-user-data hook runs, and
// owned descriptors are closed.
func (x *Xprt) Release() {
	if n := x.refs.Add(-1); n > 0 {
		return
	}
	x.destroy()
}

func (x *Xprt) destroy() {
	x.destroyOnce.Do(func() {
		x.setStat(XprtDestroyed)
		if x.freeUserData != nil {
			x.freeUserData(x)
		}
		x.private = nil
		if x.ownsFD && x.fd >= 0 {
			if err := unix.Close(x.fd); err != nil {
				logger.Debug("Error closing transport fd",
					"xprt", x.id, "fd", x.fd, "error", err)
			}
			x.fd = -1
		}
		logger.Debug("Transport destroyed", "xprt", x.id, "kind", x.kind.String())
	})
}

// markDied records a transport failure. The connection unwinds once all
// references drain.
func (x *Xprt) markDied() {
	x.setStat(XprtDied)
}

// BindDRC installs the DRC binding on first use. The write happens at most
// once per transport; later calls return the existing binding.
func (x *Xprt) BindDRC(provider DRCProvider) DRCBinding {
	if provider == nil {
		return nil
	}
	x.drcMu.Lock()
	defer x.drcMu.Unlock()
	if x.drc == nil && x.Stat() < XprtDestroyed {
		x.drc = provider.Bind(x)
	}
	return x.drc
}

// takeDRC removes and returns the binding so the destructor can release it
// exactly once.
func (x *Xprt) takeDRC() DRCBinding {
	x.drcMu.Lock()
	defer x.drcMu.Unlock()
	b := x.drc
	x.drc = nil
	return b
}
