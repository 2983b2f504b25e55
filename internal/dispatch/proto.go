// Package dispatch implements the RPC dispatcher core of the server: the
// protocol-multiplexed listener fabric, the epoll event-channel pool, the
// decode/authenticate pipeline, the prioritized request queues, and the
// worker hand-off. NFS semantics live behind the ProgramHandlers callbacks;
// everything up to the dequeue is owned here.
package dispatch

import (
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/config"
)

// Proto tags the protocol endpoints the dispatcher serves. Each enabled
// inet protocol owns up to one UDP and one TCP listening socket; VSOCK and
// RDMA are stream-only variants of the NFS endpoint.
type Proto int

const (
	ProtoNFS Proto = iota
	ProtoMNT
	ProtoNLM
	ProtoRQuota
	ProtoNFSVSOCK
	ProtoNFSRDMA
	protoCount
)

// inetProtoCount bounds the protocols with IP sockets of their own.
const inetProtoCount = int(ProtoRQuota) + 1

var protoTags = [protoCount]string{
	"NFS",
	"MNT",
	"NLM",
	"RQUOTA",
	"NFS_VSOCK",
	"NFS_RDMA",
}

func (p Proto) String() string {
	if p < 0 || p >= protoCount {
		return "UNKNOWN"
	}
	return protoTags[p]
}

// Program returns the RPC program number served on this endpoint.
func (p Proto) Program() uint32 {
	switch p {
	case ProtoNFS, ProtoNFSVSOCK, ProtoNFSRDMA:
		return rpc.ProgramNFS
	case ProtoMNT:
		return rpc.ProgramMount
	case ProtoNLM:
		return rpc.ProgramNLM
	case ProtoRQuota:
		return rpc.ProgramRQuota
	default:
		return 0
	}
}

// protocolEnabled reports whether proto p gets sockets under cfg. MNT and
// NLM ride with NFSv3 only; RQUOTA is gated by its own switch.
func protocolEnabled(cfg *config.Config, p Proto) bool {
	switch p {
	case ProtoNFS:
		return true
	case ProtoMNT:
		return cfg.Core.NFSv3
	case ProtoNLM:
		return cfg.Core.NFSv3 && cfg.Core.EnableNLM
	case ProtoRQuota:
		return cfg.Core.EnableRQuota
	case ProtoNFSVSOCK:
		return cfg.Core.VSOCK
	case ProtoNFSRDMA:
		return cfg.Core.RDMA
	default:
		return false
	}
}

// portFor returns the configured listening port for p.
func portFor(cfg *config.Config, p Proto) int {
	switch p {
	case ProtoNFS, ProtoNFSVSOCK, ProtoNFSRDMA:
		return cfg.Ports.NFS
	case ProtoMNT:
		return cfg.Ports.Mount
	case ProtoNLM:
		return cfg.Ports.NLM
	case ProtoRQuota:
		return cfg.Ports.RQuota
	default:
		return 0
	}
}
