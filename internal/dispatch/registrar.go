package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/portmap"
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/config"
)

// Netconfig names one transport configuration the registrar can register
// against, mirroring the system RPC netconfig database entries.
type Netconfig struct {
	ID      string
	IPProto uint32
	IPv6    bool
	Stream  bool
}

// Registrar advertises the dispatcher's programs with rpcbind. When the
// portmapper is disabled in configuration every method is a no-op, the
// analogue of building without portmapper support.
type Registrar struct {
	cfg    *config.Config
	client *portmap.Client

	netconfigs []Netconfig
}

// tcpRegister mirrors the build switch that skips stream registrations.
const tcpRegister = true

// NewRegistrar probes the available netconfigs and returns a registrar.
// Missing IPv6 entries are informational; a host without IPv4 transports
// cannot register at all, which is fatal.
func NewRegistrar(cfg *config.Config, v6Disabled bool) (*Registrar, error) {
	r := &Registrar{cfg: cfg}
	if !cfg.Portmapper.Enabled {
		logger.Info("Portmapper registration disabled")
		return r, nil
	}
	r.client = portmap.NewClient(cfg.Portmapper.Host)

	nets, err := loadNetconfigs(v6Disabled)
	if err != nil {
		return nil, err
	}
	r.netconfigs = nets
	return r, nil
}

// loadNetconfigs enumerates the usable transport configurations by probing
// socket creation per family.
func loadNetconfigs(v6Disabled bool) ([]Netconfig, error) {
	probe := func(domain, typ int) bool {
		fd, err := unix.Socket(domain, typ, 0)
		if err != nil {
			return false
		}
		_ = unix.Close(fd)
		return true
	}

	if !probe(unix.AF_INET, unix.SOCK_DGRAM) || !probe(unix.AF_INET, unix.SOCK_STREAM) {
		return nil, fmt.Errorf("cannot get udp/tcp netconfig: IPv4 transports unavailable")
	}

	nets := []Netconfig{
		{ID: "udp", IPProto: portmap.IPProtoUDP},
		{ID: "tcp", IPProto: portmap.IPProtoTCP, Stream: true},
	}

	if !v6Disabled && probe(unix.AF_INET6, unix.SOCK_DGRAM) && probe(unix.AF_INET6, unix.SOCK_STREAM) {
		nets = append(nets,
			Netconfig{ID: "udp6", IPProto: portmap.IPProtoUDP, IPv6: true},
			Netconfig{ID: "tcp6", IPProto: portmap.IPProtoTCP, IPv6: true, Stream: true},
		)
	} else {
		logger.Info("IPv6 netconfig entries unavailable; registering IPv4 only")
	}
	return nets, nil
}

// RegisterProgram registers (program, version) for proto across every
// available netconfig, gated on the core options flag the caller names.
// UDP registration failure is fatal; stream registration is compiled out
// entirely when tcpRegister is false.
func (r *Registrar) RegisterProgram(ctx context.Context, proto Proto, flag config.CoreOption, vers uint32) error {
	if r.client == nil {
		return nil
	}
	if flag != 0 && r.cfg.Core.Options()&flag == 0 {
		return nil
	}

	prog := proto.Program()
	port := uint32(portFor(r.cfg, proto))

	for _, nc := range r.netconfigs {
		if nc.Stream && !tcpRegister {
			continue
		}
		logger.Info("Registering program",
			"proto", proto.String(), "version", vers, "netid", nc.ID)

		ok, err := r.client.Set(ctx, portmap.Mapping{
			Prog: prog, Vers: vers, Prot: nc.IPProto, Port: port,
		})
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("registration refused")
			}
			if !nc.Stream {
				return fmt.Errorf("cannot register %s V%d on %s: %w",
					proto, vers, nc.ID, err)
			}
			logger.Warn("Stream registration failed",
				"proto", proto.String(), "version", vers, "netid", nc.ID, "error", err)
		}
	}
	return nil
}

// RegisterAll performs the full registration matrix for the enabled
// configuration.
func (r *Registrar) RegisterAll(ctx context.Context) error {
	if r.client == nil {
		return nil
	}

	if err := r.RegisterProgram(ctx, ProtoNFS, config.CoreOptionNFSv3, rpc.NFSVersion3); err != nil {
		return err
	}
	if err := r.RegisterProgram(ctx, ProtoNFS, config.CoreOptionNFSv4, rpc.NFSVersion4); err != nil {
		return err
	}
	if err := r.RegisterProgram(ctx, ProtoMNT, config.CoreOptionNFSv3, rpc.MountVersion1); err != nil {
		return err
	}
	if err := r.RegisterProgram(ctx, ProtoMNT, config.CoreOptionNFSv3, rpc.MountVersion3); err != nil {
		return err
	}
	if r.cfg.Core.EnableNLM {
		if err := r.RegisterProgram(ctx, ProtoNLM, config.CoreOptionNFSv3, rpc.NLMVersion4); err != nil {
			return err
		}
	}
	if r.cfg.Core.EnableRQuota && (r.cfg.Core.NFSv3 || r.cfg.Core.NFSv4) {
		if err := r.RegisterProgram(ctx, ProtoRQuota, 0, rpc.RQuotaVersion1); err != nil {
			return err
		}
		if err := r.RegisterProgram(ctx, ProtoRQuota, 0, rpc.RQuotaVersionExt2); err != nil {
			return err
		}
	}
	return nil
}

// unregisterRange withdraws every version in [vers1, vers2]. Errors are
// swallowed: unregistration is best-effort.
func (r *Registrar) unregisterRange(ctx context.Context, prog, vers1, vers2 uint32) {
	for vers := vers1; vers <= vers2; vers++ {
		if _, err := r.client.Unset(ctx, prog, vers); err != nil {
			logger.Debug("Unregister failed", "program", prog, "version", vers, "error", err)
		}
	}
}

// UnregisterAll withdraws every registration the server may have left
// behind, including stale ones from an earlier incarnation. Version
// ranges are swept wide on purpose.
func (r *Registrar) UnregisterAll(ctx context.Context) {
	if r.client == nil {
		return
	}

	if r.cfg.Core.NFSv3 {
		r.unregisterRange(ctx, rpc.ProgramNFS, rpc.NFSVersion2, rpc.NFSVersion4)
		r.unregisterRange(ctx, rpc.ProgramMount, rpc.MountVersion1, rpc.MountVersion3)
	} else {
		r.unregisterRange(ctx, rpc.ProgramNFS, rpc.NFSVersion4, rpc.NFSVersion4)
	}
	if r.cfg.Core.EnableNLM {
		r.unregisterRange(ctx, rpc.ProgramNLM, 1, rpc.NLMVersion4)
	}
	if r.cfg.Core.EnableRQuota {
		r.unregisterRange(ctx, rpc.ProgramRQuota, rpc.RQuotaVersion1, rpc.RQuotaVersionExt2)
	}
}
