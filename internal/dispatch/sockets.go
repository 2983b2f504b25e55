package dispatch

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/pkg/config"
)

// socketFunc matches unix.Socket; injectable so the IPv6 fallback can be
// exercised without touching kernel state.
type socketFunc func(domain, typ, proto int) (int, error)

// Provisioner allocates, option-sets, and binds the listening sockets for
// every enabled protocol. One value per Dispatcher.
type Provisioner struct {
	cfg      *config.Config
	socketFn socketFunc

	// v6Disabled latches when the host has no IPv6 support; every
	// subsequent allocation and bind uses IPv4. Write-once at init.
	v6Disabled bool

	udpSocket [protoCount]int
	tcpSocket [protoCount]int
}

// NewProvisioner builds a provisioner over the real socket(2).
func NewProvisioner(cfg *config.Config) *Provisioner {
	return newProvisioner(cfg, unix.Socket)
}

func newProvisioner(cfg *config.Config, socketFn socketFunc) *Provisioner {
	p := &Provisioner{cfg: cfg, socketFn: socketFn}
	for i := range p.udpSocket {
		p.udpSocket[i] = -1
		p.tcpSocket[i] = -1
	}
	return p
}

// V6Disabled reports whether the provisioner fell back to IPv4.
func (p *Provisioner) V6Disabled() bool { return p.v6Disabled }

// UDPSocket returns the datagram socket for proto, or -1.
func (p *Provisioner) UDPSocket(proto Proto) int { return p.udpSocket[proto] }

// TCPSocket returns the stream socket for proto, or -1.
func (p *Provisioner) TCPSocket(proto Proto) int { return p.tcpSocket[proto] }

// Allocate creates the UDP and TCP sockets for every enabled protocol.
// IPv6 is tried first; EAFNOSUPPORT on the first datagram socket latches
// the process-wide IPv4 fallback. A stream socket failing after a
// successful IPv6 datagram socket is fatal: that asymmetry signals
// something deeper than a disabled address family.
func (p *Provisioner) Allocate() error {
	for i := 0; i < inetProtoCount; i++ {
		proto := Proto(i)
		if !protocolEnabled(p.cfg, proto) {
			continue
		}

		if !p.v6Disabled {
			fd, err := p.socketFn(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
			switch {
			case err == nil:
				p.udpSocket[proto] = fd

				tfd, err := p.socketFn(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
				if err != nil {
					return fmt.Errorf("allocate %s tcp6 socket: %w", proto, err)
				}
				p.tcpSocket[proto] = tfd

			case errors.Is(err, unix.EAFNOSUPPORT):
				p.v6Disabled = true
				logger.Warn("System may not have IPv6 interfaces configured; falling back to IPv4",
					"proto", proto.String(), "error", err)

			default:
				return fmt.Errorf("allocate %s udp6 socket: %w", proto, err)
			}
		}

		if p.v6Disabled && p.udpSocket[proto] == -1 {
			if err := p.allocateV4(proto); err != nil {
				return err
			}
		}

		if err := p.setSocketOptions(proto); err != nil {
			return fmt.Errorf("socket options for %s: %w", proto, err)
		}
		logger.Debug("Sockets allocated",
			"proto", proto.String(),
			"udp", p.udpSocket[proto], "tcp", p.tcpSocket[proto])
	}

	if p.cfg.Core.VSOCK {
		if err := p.allocateVSOCK(); err != nil {
			logger.Warn("VSOCK socket allocation failed (continuing startup)", "error", err)
		}
	}
	return nil
}

func (p *Provisioner) allocateV4(proto Proto) error {
	fd, err := p.socketFn(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("allocate %s udp4 socket: %w", proto, err)
	}
	p.udpSocket[proto] = fd

	tfd, err := p.socketFn(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("allocate %s tcp4 socket: %w", proto, err)
	}
	p.tcpSocket[proto] = tfd
	return nil
}

func (p *Provisioner) allocateVSOCK() error {
	fd, err := p.socketFn(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("allocate vsock stream socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("vsock SO_REUSEADDR: %w", err)
	}
	p.tcpSocket[ProtoNFSVSOCK] = fd
	logger.Debug("VSOCK socket allocated", "fd", fd)
	return nil
}

// setSocketOptions applies SO_REUSEADDR to both sockets, the configured
// keepalive settings to the stream socket, and marks the datagram socket
// non-blocking.
func (p *Provisioner) setSocketOptions(proto Proto) error {
	udp, tcp := p.udpSocket[proto], p.tcpSocket[proto]

	if err := unix.SetsockoptInt(udp, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("udp SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(tcp, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("tcp SO_REUSEADDR: %w", err)
	}

	ka := p.cfg.TCPKeepalive
	if ka.Enabled {
		if err := unix.SetsockoptInt(tcp, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("tcp SO_KEEPALIVE: %w", err)
		}
		if ka.Count > 0 {
			if err := unix.SetsockoptInt(tcp, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
				return fmt.Errorf("tcp TCP_KEEPCNT: %w", err)
			}
		}
		if ka.Idle > 0 {
			if err := unix.SetsockoptInt(tcp, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, ka.Idle); err != nil {
				return fmt.Errorf("tcp TCP_KEEPIDLE: %w", err)
			}
		}
		if ka.Interval > 0 {
			if err := unix.SetsockoptInt(tcp, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, ka.Interval); err != nil {
				return fmt.Errorf("tcp TCP_KEEPINTVL: %w", err)
			}
		}
	}

	if err := unix.SetNonblock(udp, true); err != nil {
		return fmt.Errorf("udp non-blocking: %w", err)
	}
	return nil
}

// Bind binds every allocated socket to the wildcard address on its
// configured port. IPv6 or IPv4 wildcards are chosen by the latch set
// during allocation. Inet bind failures are fatal; VSOCK bind failures
// are logged and startup continues without VSOCK.
func (p *Provisioner) Bind() error {
	for i := 0; i < inetProtoCount; i++ {
		proto := Proto(i)
		if !protocolEnabled(p.cfg, proto) {
			continue
		}
		port := portFor(p.cfg, proto)

		if err := p.bindPair(proto, port); err != nil {
			return err
		}
	}

	if p.cfg.Core.VSOCK && p.tcpSocket[ProtoNFSVSOCK] != -1 {
		sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: uint32(p.cfg.Ports.NFS)}
		if err := unix.Bind(p.tcpSocket[ProtoNFSVSOCK], sa); err != nil {
			logger.Warn("AF_VSOCK bind failed (continuing startup)", "error", err)
			_ = unix.Close(p.tcpSocket[ProtoNFSVSOCK])
			p.tcpSocket[ProtoNFSVSOCK] = -1
		}
	}

	logger.Info("Sockets bound",
		"v6_disabled", p.v6Disabled,
		"vsock", p.tcpSocket[ProtoNFSVSOCK] != -1)
	return nil
}

func (p *Provisioner) bindPair(proto Proto, port int) error {
	var udpAddr, tcpAddr unix.Sockaddr
	if p.v6Disabled {
		udpAddr = &unix.SockaddrInet4{Port: port}
		tcpAddr = &unix.SockaddrInet4{Port: port}
	} else {
		udpAddr = &unix.SockaddrInet6{Port: port}
		tcpAddr = &unix.SockaddrInet6{Port: port}
	}

	if err := unix.Bind(p.udpSocket[proto], udpAddr); err != nil {
		return fmt.Errorf("bind %s udp port %d: %w", proto, port, err)
	}
	if err := unix.Bind(p.tcpSocket[proto], tcpAddr); err != nil {
		return fmt.Errorf("bind %s tcp port %d: %w", proto, port, err)
	}
	return nil
}

// BoundPort reports the local port a socket actually bound, which differs
// from the configured port when it was 0 (ephemeral).
func BoundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname fd %d: %w", fd, err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("fd %d has no inet address", fd)
	}
}

// CloseAll closes every allocated socket directly. Closing the listening
// fds immediately (instead of waiting for transport teardown) lets a fast
// restart rebind without hitting address-in-use.
func (p *Provisioner) CloseAll() {
	for i := range p.udpSocket {
		if p.udpSocket[i] != -1 {
			_ = unix.Close(p.udpSocket[i])
			p.udpSocket[i] = -1
		}
		if p.tcpSocket[i] != -1 {
			_ = unix.Close(p.tcpSocket[i])
			p.tcpSocket[i] = -1
		}
	}
}
