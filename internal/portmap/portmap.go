// Package portmap implements an RFC 1057 portmapper client. The dispatcher
// uses it to advertise its (program, version, protocol, port) tuples with
// the host's rpcbind service and to withdraw them on shutdown.
package portmap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/xdr"
)

// Portmapper procedure numbers (RFC 1057 appendix A).
const (
	ProcNull    uint32 = 0
	ProcSet     uint32 = 1
	ProcUnset   uint32 = 2
	ProcGetport uint32 = 3
	ProcDump    uint32 = 4
)

// IP protocol numbers used in mappings.
const (
	IPProtoTCP uint32 = 6
	IPProtoUDP uint32 = 17
)

// DefaultPort is the well-known rpcbind port.
const DefaultPort = 111

// Mapping is one (program, version, protocol) -> port registration.
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

func (m Mapping) encode() []byte {
	var buf bytes.Buffer
	_ = xdr.EncodeUint32(&buf, m.Prog)
	_ = xdr.EncodeUint32(&buf, m.Vers)
	_ = xdr.EncodeUint32(&buf, m.Prot)
	_ = xdr.EncodeUint32(&buf, m.Port)
	return buf.Bytes()
}

// Client talks to one rpcbind instance over UDP.
type Client struct {
	// Addr is the rpcbind endpoint, host:port.
	Addr string

	// Timeout bounds one round trip. Each call is sent once and is not
	// retransmitted.
	Timeout time.Duration

	// xid is advanced per call so a reply can be matched to its call.
	xid uint32
}

// NewClient returns a client for the rpcbind service at addr. An empty
// addr targets localhost on the well-known port.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	return &Client{Addr: addr, Timeout: 3 * time.Second}
}

// Set registers a mapping. The returned bool is rpcbind's verdict: false
// means the tuple was already claimed by another registration.
func (c *Client) Set(ctx context.Context, m Mapping) (bool, error) {
	return c.boolCall(ctx, ProcSet, m.encode())
}

// Unset withdraws every registration for (prog, vers). Port and protocol
// are ignored by rpcbind for UNSET, so zero values are sent.
func (c *Client) Unset(ctx context.Context, prog, vers uint32) (bool, error) {
	return c.boolCall(ctx, ProcUnset, Mapping{Prog: prog, Vers: vers}.encode())
}

// boolCall performs one portmapper call whose result is an XDR bool.
func (c *Client) boolCall(ctx context.Context, proc uint32, args []byte) (bool, error) {
	c.xid++
	xid := c.xid

	call := buildCall(xid, proc, args)

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", c.Addr)
	if err != nil {
		return false, fmt.Errorf("dial rpcbind %s: %w", c.Addr, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(call); err != nil {
		return false, fmt.Errorf("send portmap call: %w", err)
	}

	reply := make([]byte, 512)
	n, err := conn.Read(reply)
	if err != nil {
		return false, fmt.Errorf("read portmap reply: %w", err)
	}

	return parseBoolReply(reply[:n], xid)
}

func buildCall(xid, proc uint32, args []byte) []byte {
	var buf bytes.Buffer
	_ = xdr.EncodeUint32(&buf, xid)
	_ = xdr.EncodeUint32(&buf, rpc.MsgCall)
	_ = xdr.EncodeUint32(&buf, rpc.RPCVersion2)
	_ = xdr.EncodeUint32(&buf, rpc.ProgramPortmap)
	_ = xdr.EncodeUint32(&buf, rpc.PortmapVersion2)
	_ = xdr.EncodeUint32(&buf, proc)
	// null credential and verifier
	_ = xdr.EncodeUint32(&buf, 0)
	_ = xdr.EncodeUint32(&buf, 0)
	_ = xdr.EncodeUint32(&buf, 0)
	_ = xdr.EncodeUint32(&buf, 0)
	buf.Write(args)
	return buf.Bytes()
}

// parseBoolReply walks an accepted reply and extracts the boolean result.
func parseBoolReply(reply []byte, wantXID uint32) (bool, error) {
	r := bytes.NewReader(reply)

	xid, err := xdr.DecodeUint32(r)
	if err != nil {
		return false, fmt.Errorf("read reply xid: %w", err)
	}
	if xid != wantXID {
		return false, fmt.Errorf("reply xid 0x%x does not match call 0x%x", xid, wantXID)
	}

	msgType, err := xdr.DecodeUint32(r)
	if err != nil {
		return false, err
	}
	if msgType != rpc.MsgReply {
		return false, fmt.Errorf("message type %d is not a reply", msgType)
	}

	replyStat, err := xdr.DecodeUint32(r)
	if err != nil {
		return false, err
	}
	if replyStat != 0 {
		return false, fmt.Errorf("rpcbind denied the call")
	}

	// Skip the verifier.
	if _, err := xdr.DecodeUint32(r); err != nil {
		return false, err
	}
	if _, err := xdr.DecodeOpaque(r); err != nil {
		return false, err
	}

	acceptStat, err := xdr.DecodeUint32(r)
	if err != nil {
		return false, err
	}
	if acceptStat != 0 {
		return false, fmt.Errorf("rpcbind accept status %d", acceptStat)
	}

	result, err := xdr.DecodeUint32(r)
	if err != nil {
		return false, fmt.Errorf("read bool result: %w", err)
	}
	return result != 0, nil
}
