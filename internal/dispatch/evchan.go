package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marmos91/nfsgate/internal/logger"
)

// Reserved event channels. UDP traffic, TCP accepts, and RDMA accepts each
// get a dedicated demultiplexer so a flood on one cannot starve the others.
const (
	ChanUDPUReg = iota
	ChanTCPUReg
	ChanRDMAUReg
	reservedChanCount
)

// workerChanCount is the number of channels hosting accepted stream
// connections. Deliberately small relative to available cores.
const workerChanCount = 3

// NumEventChannels is the full channel pool size.
const NumEventChannels = workerChanCount + reservedChanCount

// EventChannel is a single-threaded epoll demultiplexer. Every transport
// belongs to exactly one channel for its lifetime and receives all its
// readiness events from that channel's thread, sequentially and
// run-to-completion.
type EventChannel struct {
	id    int
	epfd  int
	wakeR int
	wakeW int

	mu    sync.Mutex
	xprts map[int]*Xprt

	closed sync.Once
}

// newEventChannel builds a channel with its epoll instance and shutdown
// self-pipe.
func newEventChannel(id int) (*EventChannel, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create channel %d: %w", id, err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("create wake pipe channel %d: %w", id, err)
	}

	ec := &EventChannel{
		id:    id,
		epfd:  epfd,
		wakeR: pipe[0],
		wakeW: pipe[1],
		xprts: make(map[int]*Xprt),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ec.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, ec.wakeR, &ev); err != nil {
		ec.closeFDs()
		return nil, fmt.Errorf("register wake pipe channel %d: %w", id, err)
	}
	return ec, nil
}

// Register binds a transport to this channel. The registration completes
// before any readiness event for the transport can be delivered, so a
// freshly accepted connection is always registered before its first read.
func (ec *EventChannel) Register(x *Xprt) error {
	x.Ref() // the channel's reference, dropped at Unregister
	ec.mu.Lock()
	ec.xprts[x.fd] = x
	ec.mu.Unlock()
	x.chanID = ec.id

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(x.fd)}
	if err := unix.EpollCtl(ec.epfd, unix.EPOLL_CTL_ADD, x.fd, &ev); err != nil {
		ec.mu.Lock()
		delete(ec.xprts, x.fd)
		ec.mu.Unlock()
		x.Release()
		return fmt.Errorf("register fd %d on channel %d: %w", x.fd, ec.id, err)
	}

	logger.Debug("Transport registered with event channel",
		"xprt", x.id, "kind", x.kind.String(), "channel", ec.id)
	return nil
}

// Unregister detaches a transport and drops the channel's reference.
func (ec *EventChannel) Unregister(x *Xprt) {
	ec.mu.Lock()
	_, present := ec.xprts[x.fd]
	delete(ec.xprts, x.fd)
	ec.mu.Unlock()
	if !present {
		return
	}
	if err := unix.EpollCtl(ec.epfd, unix.EPOLL_CTL_DEL, x.fd, nil); err != nil {
		logger.Debug("epoll del failed", "fd", x.fd, "channel", ec.id, "error", err)
	}
	x.Release()
}

// Signal delivers the shutdown signal; Run returns after observing it.
func (ec *EventChannel) Signal() {
	_, _ = unix.Write(ec.wakeW, []byte{1})
}

// Run is the channel thread body: wait for readiness, invoke the
// transport's rendezvous callback, and reap transports that report death.
// Returns when the shutdown signal arrives.
func (ec *EventChannel) Run() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(ec.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Error("epoll_wait failed", "channel", ec.id, "error", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == ec.wakeR {
				ec.drainAndClose()
				return
			}

			ec.mu.Lock()
			x := ec.xprts[fd]
			ec.mu.Unlock()
			if x == nil {
				continue
			}

			stat := x.rendezvous(x)
			if stat >= XprtDied {
				x.markDied()
				ec.Unregister(x)
			}
		}
	}
}

func (ec *EventChannel) drainAndClose() {
	var buf [8]byte
	for {
		if _, err := unix.Read(ec.wakeR, buf[:]); err != nil {
			break
		}
	}

	// Drop the channel's references so transports can unwind.
	ec.mu.Lock()
	xprts := make([]*Xprt, 0, len(ec.xprts))
	for _, x := range ec.xprts {
		xprts = append(xprts, x)
	}
	ec.xprts = make(map[int]*Xprt)
	ec.mu.Unlock()

	for _, x := range xprts {
		_ = unix.EpollCtl(ec.epfd, unix.EPOLL_CTL_DEL, x.fd, nil)
		x.Release()
	}

	ec.closeFDs()
	logger.Debug("Event channel stopped", "channel", ec.id)
}

func (ec *EventChannel) closeFDs() {
	ec.closed.Do(func() {
		_ = unix.Close(ec.epfd)
		_ = unix.Close(ec.wakeR)
		_ = unix.Close(ec.wakeW)
	})
}

// EventChannelPool owns the fixed channel set: the reserved channels plus
// the worker channels hosting accepted connections.
type EventChannelPool struct {
	chans []*EventChannel
	rr    atomic.Uint32
	wg    sync.WaitGroup
}

// NewEventChannelPool creates all channels. withRDMA controls whether the
// RDMA accept channel is materialized.
func NewEventChannelPool(withRDMA bool) (*EventChannelPool, error) {
	pool := &EventChannelPool{}
	for id := 0; id < NumEventChannels; id++ {
		if id == ChanRDMAUReg && !withRDMA {
			pool.chans = append(pool.chans, nil)
			continue
		}
		ec, err := newEventChannel(id)
		if err != nil {
			pool.Shutdown()
			return nil, err
		}
		pool.chans = append(pool.chans, ec)
	}
	return pool, nil
}

// Reserved returns one of the reserved channels.
func (p *EventChannelPool) Reserved(id int) *EventChannel {
	return p.chans[id]
}

// NextWorkerChannel rotates across the worker channels for accepted
// connections.
func (p *EventChannelPool) NextWorkerChannel() *EventChannel {
	idx := reservedChanCount + int(p.rr.Add(1))%workerChanCount
	return p.chans[idx]
}

// Start launches every channel thread.
func (p *EventChannelPool) Start() {
	for _, ec := range p.chans {
		if ec == nil {
			continue
		}
		p.wg.Add(1)
		go func(ec *EventChannel) {
			defer p.wg.Done()
			ec.Run()
		}(ec)
	}
}

// Shutdown signals every channel and waits for the threads to exit.
// Channels that never ran still get their descriptors closed.
func (p *EventChannelPool) Shutdown() {
	for _, ec := range p.chans {
		if ec != nil {
			ec.Signal()
		}
	}
	p.wg.Wait()
	for _, ec := range p.chans {
		if ec != nil {
			ec.closeFDs()
		}
	}
}
