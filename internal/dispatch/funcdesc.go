package dispatch

import (
	"bytes"
	"fmt"
	"io"

	goxdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/xdr"
)

// FuncDesc describes one RPC procedure to the decode pipeline: how to
// decode its arguments, how to release them, and which lookahead bits the
// call contributes for queue classification.
type FuncDesc struct {
	// Name is the procedure name for logging.
	Name string

	// Decode reads the argument body. A nil Decode captures the raw
	// bytes unparsed (the handler decodes them itself).
	Decode func(r io.Reader) (any, error)

	// Free is the paired release routine for Decode's result. May be nil
	// when the decoded value needs no explicit disposal.
	Free func(args any)

	// Lookahead folds the procedure's classification bits into la. The
	// decoded args are provided for content-dependent classification
	// (NFSv4 COMPOUND).
	Lookahead func(args any, la *Lookahead)
}

// funcKey identifies a procedure within a program and version.
type funcKey struct {
	prog uint32
	vers uint32
	proc uint32
}

// FuncRegistry maps (program, version, procedure) to descriptors. Lookups
// on the decode path are read-only; registration happens at init.
type FuncRegistry struct {
	funcs map[funcKey]*FuncDesc
}

// NewFuncRegistry returns a registry preloaded with the descriptors for
// every program the dispatcher serves.
func NewFuncRegistry() *FuncRegistry {
	reg := &FuncRegistry{funcs: make(map[funcKey]*FuncDesc)}
	reg.installNFSv3()
	reg.installNFSv4()
	reg.installMount()
	reg.installNLM()
	reg.installRQuota()
	return reg
}

// Register installs a descriptor, replacing any existing one.
func (fr *FuncRegistry) Register(prog, vers, proc uint32, desc *FuncDesc) {
	fr.funcs[funcKey{prog, vers, proc}] = desc
}

// Lookup finds the descriptor for a call, or nil when the procedure is
// unknown.
func (fr *FuncRegistry) Lookup(prog, vers, proc uint32) *FuncDesc {
	return fr.funcs[funcKey{prog, vers, proc}]
}

// rawArgs is the uninterpreted argument capture used by procedures whose
// bodies the handlers decode themselves.
type rawArgs struct {
	Data []byte
}

func decodeRaw(r io.Reader) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &rawArgs{Data: data}, nil
}

// opaqueDesc builds a pass-through descriptor with static lookahead bits.
func opaqueDesc(name string, flags uint32) *FuncDesc {
	return &FuncDesc{
		Name:   name,
		Decode: decodeRaw,
		Lookahead: func(_ any, la *Lookahead) {
			la.Flags |= flags
		},
	}
}

// NFSv3 procedure numbers that matter for classification.
const (
	nfs3ProcNull        = 0
	nfs3ProcRead        = 6
	nfs3ProcWrite       = 7
	nfs3ProcReaddir     = 16
	nfs3ProcReaddirPlus = 17
	nfs3ProcCommit      = 21
	nfs3ProcCount       = 22
)

var nfs3ProcNames = map[uint32]string{
	0: "NULL", 1: "GETATTR", 2: "SETATTR", 3: "LOOKUP", 4: "ACCESS",
	5: "READLINK", 6: "READ", 7: "WRITE", 8: "CREATE", 9: "MKDIR",
	10: "SYMLINK", 11: "MKNOD", 12: "REMOVE", 13: "RMDIR", 14: "RENAME",
	15: "LINK", 16: "READDIR", 17: "READDIRPLUS", 18: "FSSTAT",
	19: "FSINFO", 20: "PATHCONF", 21: "COMMIT",
}

func (fr *FuncRegistry) installNFSv3() {
	for proc := uint32(0); proc < nfs3ProcCount; proc++ {
		var flags uint32
		switch proc {
		case nfs3ProcRead:
			flags = LookaheadRead
		case nfs3ProcWrite:
			flags = LookaheadWrite
		case nfs3ProcCommit:
			flags = LookaheadCommit
		case nfs3ProcReaddir, nfs3ProcReaddirPlus:
			flags = LookaheadReaddir
		}
		fr.Register(rpc.ProgramNFS, rpc.NFSVersion3, proc,
			opaqueDesc(nfs3ProcNames[proc], flags))
	}
}

// NFSv4 operations scanned inside COMPOUND for the high-latency predicate.
const (
	nfs4OpCommit  = 5
	nfs4OpRead    = 25
	nfs4OpReaddir = 26
	nfs4OpWrite   = 38
)

// compound4Args is the COMPOUND prefix the pipeline decodes for
// classification: the tag, minor version, and operation list. Operation
// bodies are captured raw for the handler.
type compound4Args struct {
	Tag          string
	MinorVersion uint32
	Ops          []uint32
	Body         []byte
}

// decodeCompound4 walks enough of a COMPOUND call to collect the opcodes.
// It decodes the tag, minor version and op count with the XDR codec, keeps
// the rest of the body raw for the handlers, and scans that body for the
// opcodes it can reach.
func decodeCompound4(r io.Reader) (any, error) {
	args := &compound4Args{}

	var hdr struct {
		Tag          string
		MinorVersion uint32
		OpCount      uint32
	}
	if _, err := goxdr.Unmarshal(r, &hdr); err != nil {
		return nil, fmt.Errorf("decode compound header: %w", err)
	}
	args.Tag = hdr.Tag
	args.MinorVersion = hdr.MinorVersion

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read compound body: %w", err)
	}
	args.Body = body

	// Scan the op list without consuming it: each op starts with its
	// opcode; argument lengths are op-specific, so the scan steps over
	// the bodies it knows how to size and stops at the first op it does
	// not. The result is the leading run of opcodes up to that point.
	args.Ops = scanCompoundOps(body, hdr.OpCount)
	return args, nil
}

// scanCompoundOps extracts the leading opcode of each operation it can
// reach. Without per-op decoders only a conservative scan is possible; the
// classifier treats any hit on a storage-bound opcode as high latency.
func scanCompoundOps(body []byte, opCount uint32) []uint32 {
	ops := make([]uint32, 0, opCount)
	r := bytes.NewReader(body)
	for i := uint32(0); i < opCount; i++ {
		op, err := xdr.DecodeUint32(r)
		if err != nil {
			break
		}
		ops = append(ops, op)
		if !skipCompoundOpBody(r, op) {
			break
		}
	}
	return ops
}

// skipCompoundOpBody advances past the fixed-size argument bodies of the
// ops the scanner understands. Returns false when the op's size is not
// statically known, which ends the scan.
func skipCompoundOpBody(r *bytes.Reader, op uint32) bool {
	// PUTROOTFH(24), PUTPUBFH(23), GETFH(10), SAVEFH(32), RESTOREFH(31),
	// and LOOKUPP(16) carry no arguments.
	switch op {
	case 10, 16, 23, 24, 31, 32:
		return true
	case 15: // LOOKUP: one component string
		_, err := xdr.DecodeOpaque(r)
		return err == nil
	case 22: // PUTFH: one file handle
		_, err := xdr.DecodeOpaque(r)
		return err == nil
	default:
		return false
	}
}

func freeCompound4(args any) {
	if c, ok := args.(*compound4Args); ok {
		c.Body = nil
		c.Ops = nil
	}
}

func compound4Lookahead(args any, la *Lookahead) {
	c, ok := args.(*compound4Args)
	if !ok {
		return
	}
	for _, op := range c.Ops {
		switch op {
		case nfs4OpRead:
			la.Flags |= LookaheadRead
		case nfs4OpWrite:
			la.Flags |= LookaheadWrite
		case nfs4OpCommit:
			la.Flags |= LookaheadCommit
		case nfs4OpReaddir:
			la.Flags |= LookaheadReaddir
		}
	}
}

func (fr *FuncRegistry) installNFSv4() {
	fr.Register(rpc.ProgramNFS, rpc.NFSVersion4, 0, opaqueDesc("NULL", 0))
	fr.Register(rpc.ProgramNFS, rpc.NFSVersion4, 1, &FuncDesc{
		Name:      "COMPOUND",
		Decode:    decodeCompound4,
		Free:      freeCompound4,
		Lookahead: compound4Lookahead,
	})
}

var mountProcNames = map[uint32]string{
	0: "NULL", 1: "MNT", 2: "DUMP", 3: "UMNT", 4: "UMNTALL", 5: "EXPORT",
}

func (fr *FuncRegistry) installMount() {
	for _, vers := range []uint32{rpc.MountVersion1, rpc.MountVersion3} {
		for proc := uint32(0); proc <= 5; proc++ {
			fr.Register(rpc.ProgramMount, vers, proc,
				opaqueDesc(mountProcNames[proc], LookaheadMount))
		}
	}
}

func (fr *FuncRegistry) installNLM() {
	// NLM4 procedures 0..24; lock traffic is latency-neutral.
	for proc := uint32(0); proc <= 24; proc++ {
		fr.Register(rpc.ProgramNLM, rpc.NLMVersion4, proc,
			opaqueDesc(fmt.Sprintf("NLM4_%d", proc), 0))
	}
}

func (fr *FuncRegistry) installRQuota() {
	for _, vers := range []uint32{rpc.RQuotaVersion1, rpc.RQuotaVersionExt2} {
		for proc := uint32(0); proc <= 2; proc++ {
			fr.Register(rpc.ProgramRQuota, vers, proc,
				opaqueDesc(fmt.Sprintf("RQUOTA_%d", proc), 0))
		}
	}
}
