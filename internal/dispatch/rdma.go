package dispatch

import (
	"fmt"

	"github.com/Mellanox/rdmamap"

	"github.com/marmos91/nfsgate/internal/logger"
)

// RDMAAttrs are the listener parameters handed to the verbs provider.
type RDMAAttrs struct {
	Node                string
	Port                string
	SQDepth             int
	MaxSendSGE          int
	RQDepth             int
	MaxRecvSGE          int
	Backlog             int
	Credits             int
	DestroyOnDisconnect bool
	UseSRQ              bool
}

// defaultRDMAAttrs mirrors the tuned listener parameters.
func defaultRDMAAttrs(port int) RDMAAttrs {
	return RDMAAttrs{
		Node:                "::",
		Port:                fmt.Sprintf("%d", port),
		SQDepth:             32,
		MaxSendSGE:          32,
		RQDepth:             32,
		MaxRecvSGE:          31,
		Backlog:             10,
		Credits:             30,
		DestroyOnDisconnect: true,
		UseSRQ:              false,
	}
}

// RDMAProvider supplies the verbs transport. The actual RDMA I/O engine is
// an external collaborator; the dispatcher only manages listener lifetime
// and event-channel placement.
type RDMAProvider interface {
	// Listen creates an RDMA listener endpoint and returns a pollable
	// descriptor for its completion events.
	Listen(attrs RDMAAttrs) (fd int, err error)
}

// probeRDMADevices returns the names of the host's RDMA-capable devices;
// an empty list means there are none.
func probeRDMADevices() []string {
	return rdmamap.GetRdmaDeviceList()
}

// CreateRDMA builds the RDMA listening transport. Creation failure is
// fatal when RDMA was explicitly enabled: a config asking for RDMA on a
// host that cannot provide it is a deployment error, not a degraded mode.
func (d *Dispatcher) CreateRDMA(proto Proto) error {
	devices := probeRDMADevices()
	if len(devices) == 0 {
		return fmt.Errorf("cannot allocate RPC/%s transport: no RDMA devices present", proto)
	}
	logger.Info("RDMA devices detected", "devices", devices)

	if d.rdma == nil {
		return fmt.Errorf("cannot allocate RPC/%s transport: no verbs provider configured", proto)
	}

	attrs := defaultRDMAAttrs(portFor(d.cfg, proto))
	fd, err := d.rdma.Listen(attrs)
	if err != nil {
		return fmt.Errorf("cannot allocate RPC/%s transport: %w", proto, err)
	}

	x := d.newTrackedXprt(XprtRdmaListener, proto, fd, true)
	process := d.processFor(proto)
	x.rendezvous = func(x *Xprt) XprtStat {
		logger.Debug("RDMA event", "fd", x.fd)
		x.setProcess(process)
		return x.Stat()
	}

	if err := d.chans.Reserved(ChanRDMAUReg).Register(x); err != nil {
		x.Release()
		return fmt.Errorf("cannot register %s transport: %w", proto, err)
	}
	d.tcpXprt[proto] = x
	return nil
}
