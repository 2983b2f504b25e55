package dispatch

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/bufpool"
)

// processFor returns the protocol-family handler for an endpoint. VSOCK
// and RDMA traffic routes to the NFS handler.
func (d *Dispatcher) processFor(proto Proto) ProcessFunc {
	switch proto {
	case ProtoNFS, ProtoNFSVSOCK, ProtoNFSRDMA:
		return d.handlers.NFS
	case ProtoMNT:
		return d.handlers.Mount
	case ProtoNLM:
		return d.handlers.NLM
	case ProtoRQuota:
		return d.handlers.RQuota
	default:
		return nil
	}
}

// freeUserData is the destructor callout installed on every transport: it
// returns the DRC binding (if one was ever bound) and drops the private
// slot.
func (d *Dispatcher) freeUserData(x *Xprt) {
	if b := x.takeDRC(); b != nil && d.drc != nil {
		d.drc.Release(x, b)
	}
	x.private = nil
	if d.metrics != nil {
		d.metrics.RecordTransportClose(x.kind.String())
	}
}

// newTrackedXprt wraps a descriptor into a transport with the configured
// buffer caps and the shared destructor.
func (d *Dispatcher) newTrackedXprt(kind XprtKind, proto Proto, fd int, ownsFD bool) *Xprt {
	x := newXprt(d.xprtIDs.Add(1), kind, proto, fd,
		d.cfg.RPC.MaxSendBufferSize.Int(), d.cfg.RPC.MaxRecvBufferSize.Int())
	x.ownsFD = ownsFD
	x.freeUserData = d.freeUserData
	x.private = &XprtPrivate{Proto: proto, CreatedAt: time.Now()}
	if d.metrics != nil {
		d.metrics.RecordTransportOpen(kind.String())
	}
	return x
}

// CreateUDP wraps the provisioned datagram socket for proto into a
// transport and registers it with the UDP event channel. The rendezvous
// callback selects the protocol-family handler and reads one datagram per
// readiness event.
func (d *Dispatcher) CreateUDP(proto Proto) error {
	fd := d.prov.UDPSocket(proto)
	if fd < 0 {
		return fmt.Errorf("no udp socket provisioned for %s", proto)
	}

	x := d.newTrackedXprt(XprtDatagram, proto, fd, false)
	process := d.processFor(proto)
	x.rendezvous = func(x *Xprt) XprtStat {
		logger.Debug("UDP request", "proto", x.proto.String(), "fd", x.fd)
		x.setProcess(process)
		return d.recvDatagram(x)
	}

	if err := d.chans.Reserved(ChanUDPUReg).Register(x); err != nil {
		x.Release()
		return fmt.Errorf("cannot register %s/UDP transport: %w", proto, err)
	}
	d.udpXprt[proto] = x
	return nil
}

// CreateTCP wraps the provisioned stream socket into a listening
// transport on the TCP accept channel. Accepted connections get their own
// transports on the worker channels.
func (d *Dispatcher) CreateTCP(proto Proto) error {
	fd := d.prov.TCPSocket(proto)
	if fd < 0 {
		return fmt.Errorf("no tcp socket provisioned for %s", proto)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen %s: %w", proto, err)
	}

	x := d.newTrackedXprt(XprtStreamListener, proto, fd, false)
	x.rendezvous = func(x *Xprt) XprtStat {
		return d.acceptStream(x)
	}

	if err := d.chans.Reserved(ChanTCPUReg).Register(x); err != nil {
		x.Release()
		return fmt.Errorf("cannot register %s/TCP transport: %w", proto, err)
	}
	d.tcpXprt[proto] = x
	return nil
}

// CreateTransports builds the well-known transports for every enabled
// protocol, mirroring the socket allocation matrix.
func (d *Dispatcher) CreateTransports() error {
	for i := 0; i < inetProtoCount; i++ {
		proto := Proto(i)
		if !protocolEnabled(d.cfg, proto) {
			continue
		}
		if err := d.CreateUDP(proto); err != nil {
			return err
		}
		if err := d.CreateTCP(proto); err != nil {
			return err
		}
	}

	if d.cfg.Core.VSOCK && d.prov.TCPSocket(ProtoNFSVSOCK) != -1 {
		if err := d.CreateTCP(ProtoNFSVSOCK); err != nil {
			return err
		}
	}

	if d.cfg.Core.RDMA {
		if err := d.CreateRDMA(ProtoNFSRDMA); err != nil {
			return err
		}
	}
	return nil
}

// acceptStream accepts one pending connection on a listening transport,
// allocates the connection's private state (the DRC slot stays empty until
// the first request), and registers it with the next worker channel.
func (d *Dispatcher) acceptStream(listener *Xprt) XprtStat {
	nfd, sa, err := unix.Accept4(listener.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.ECONNABORTED || err == unix.EINTR {
			return listener.Stat()
		}
		logger.Warn("Accept failed", "proto", listener.proto.String(), "error", err)
		return listener.Stat()
	}

	// Bound blocking reads so a peer stalling mid-record cannot wedge
	// the channel thread past the idle timeout.
	if idle := d.cfg.RPC.IdleTimeout; idle > 0 {
		tv := unix.NsecToTimeval(idle.Nanoseconds())
		if err := unix.SetsockoptTimeval(nfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			logger.Debug("Cannot set receive timeout on accepted connection", "error", err)
		}
	}

	conn := d.newTrackedXprt(XprtStreamConn, listener.proto, nfd, true)
	conn.remote = sockaddrString(sa)

	process := d.processFor(listener.proto)
	conn.rendezvous = func(x *Xprt) XprtStat {
		logger.Debug("Stream request", "proto", x.proto.String(), "fd", x.fd)
		x.setProcess(process)
		return d.recvRecord(x)
	}

	// Registration precedes any readable event for the new connection.
	if err := d.chans.NextWorkerChannel().Register(conn); err != nil {
		logger.Warn("Cannot register accepted connection", "error", err)
		conn.Release()
		return listener.Stat()
	}

	// The worker channel now holds the connection's lifetime reference;
	// drop the factory's.
	conn.Release()

	logger.Debug("Connection accepted",
		"proto", listener.proto.String(), "remote", conn.remote, "fd", nfd)
	return listener.Stat()
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	case *unix.SockaddrVM:
		return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port)
	default:
		return "unknown"
	}
}

// recvDatagram reads one datagram from the non-blocking UDP socket and
// runs the decode pipeline on it. Level-triggered epoll re-arms for any
// remaining datagrams, which keeps one flood from monopolizing the
// channel thread.
func (d *Dispatcher) recvDatagram(x *Xprt) XprtStat {
	buf := bufpool.Get(x.recvMax)
	n, peer, err := unix.Recvfrom(x.fd, buf, 0)
	if err != nil {
		bufpool.Put(buf)
		if err != unix.EAGAIN && err != unix.EINTR {
			logger.Warn("UDP receive failed", "proto", x.proto.String(), "error", err)
		}
		return x.Stat()
	}

	reply := func(msg []byte) error {
		return unix.Sendto(x.fd, msg, 0, peer)
	}

	// Datagram decode does not gate further reads on the socket, so it
	// can ride a decoder thread; the channel thread goes straight back
	// to the demultiplexer. Stream decode stays inline because its
	// status drives the next read on the connection.
	msg := buf[:n]
	x.Ref()
	if err := d.reqFridge.Submit(func(*FridgeContext) {
		d.decodeRequest(x, msg, reply)
		x.Release()
	}); err != nil {
		stat := d.decodeRequest(x, msg, reply)
		x.Release()
		return stat
	}
	return x.Stat()
}

// recvRecord reads one complete record-marked RPC message from a stream
// connection and runs the decode pipeline on it. EOF or framing damage
// kills the connection.
func (d *Dispatcher) recvRecord(x *Xprt) XprtStat {
	msg, err := d.readRecord(x)
	if err != nil {
		if !errors.Is(err, errPeerClosed) {
			logger.Debug("Stream receive failed",
				"proto", x.proto.String(), "remote", x.remote, "error", err)
		}
		x.markDied()
		return XprtDied
	}

	reply := func(out []byte) error {
		x.writeMu.Lock()
		defer x.writeMu.Unlock()
		return writeFull(x.fd, recordMark(out))
	}
	return d.decodeRequest(x, msg, reply)
}

var errPeerClosed = errors.New("peer closed connection")

// readRecord assembles the fragments of one message into a pooled buffer.
func (d *Dispatcher) readRecord(x *Xprt) ([]byte, error) {
	var msg []byte
	for {
		var hdr [4]byte
		if err := readFull(x.fd, hdr[:]); err != nil {
			if len(msg) > 0 {
				bufpool.Put(msg)
			}
			return nil, err
		}
		frag := (uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3]))
		last := frag&0x80000000 != 0
		length := frag & 0x7FFFFFFF

		if err := rpc.ValidateFragmentSize(length); err != nil {
			if len(msg) > 0 {
				bufpool.Put(msg)
			}
			return nil, err
		}
		if int(length)+len(msg) > rpc.MaxFragmentSize {
			if len(msg) > 0 {
				bufpool.Put(msg)
			}
			return nil, fmt.Errorf("record exceeds %d bytes", rpc.MaxFragmentSize)
		}

		buf := bufpool.GetUint32(length)
		if err := readFull(x.fd, buf); err != nil {
			bufpool.Put(buf)
			if len(msg) > 0 {
				bufpool.Put(msg)
			}
			return nil, err
		}

		if msg == nil {
			msg = buf
		} else {
			joined := bufpool.Get(len(msg) + len(buf))
			copy(joined, msg)
			copy(joined[len(msg):], buf)
			bufpool.Put(msg)
			bufpool.Put(buf)
			msg = joined
		}

		if last {
			return msg, nil
		}
	}
}

func readFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Read(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		off += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		off += n
	}
	return nil
}

func recordMark(msg []byte) []byte {
	out := make([]byte, 4+len(msg))
	length := uint32(len(msg)) | 0x80000000
	out[0] = byte(length >> 24)
	out[1] = byte(length >> 16)
	out[2] = byte(length >> 8)
	out[3] = byte(length)
	copy(out[4:], msg)
	return out
}
