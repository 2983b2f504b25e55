package gss

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/internal/xdr"
)

// ResultKind says what the dispatcher should do with an authenticated call.
type ResultKind int

const (
	// Dispatch means the call authenticated and should be enqueued.
	Dispatch ResultKind = iota

	// Handshake means the call was an RPCSEC_GSS negotiation frame that
	// this layer consumed; it must not reach the request queues.
	Handshake

	// Reject means the credential failed; reply with AUTH_ERROR.
	Reject
)

// Result is the outcome of authenticating one call.
type Result struct {
	Kind ResultKind

	// Stat carries the auth failure code when Kind == Reject.
	Stat rpc.AuthStat

	// Cred is the decoded GSS credential for RPCSEC_GSS calls, nil for
	// AUTH_NONE/AUTH_SYS.
	Cred *Cred

	// HandshakeReply is the pre-encoded reply for consumed negotiation
	// frames (context establishment responses).
	HandshakeReply []byte
}

// Verifier abstracts GSS token verification so the processor can be tested
// without a KDC. The production implementation wraps gokrb5.
type Verifier interface {
	// VerifyToken validates a client GSS token (an AP-REQ for krb5) and
	// returns the authenticated principal.
	VerifyToken(token []byte) (principal string, err error)
}

// KeytabVerifier verifies AP-REQ tokens against a service keytab.
type KeytabVerifier struct {
	kt        *keytab.Keytab
	principal string
}

// NewKeytabVerifier loads the service keytab. The principal's keys are
// checked lazily by AP-REQ verification; a keytab missing them rejects
// every context establishment rather than failing startup.
func NewKeytabVerifier(keytabPath, principal string) (*KeytabVerifier, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("load keytab %q: %w", keytabPath, err)
	}
	logger.Debug("Service keytab loaded", "path", keytabPath, "principal", principal)
	return &KeytabVerifier{kt: kt, principal: principal}, nil
}

// VerifyToken verifies a raw AP-REQ token.
func (v *KeytabVerifier) VerifyToken(token []byte) (string, error) {
	var apReq messages.APReq
	if err := apReq.Unmarshal(token); err != nil {
		return "", fmt.Errorf("unmarshal AP-REQ: %w", err)
	}

	settings := service.NewSettings(v.kt,
		service.MaxClockSkew(5*time.Minute),
		service.DecodePAC(false),
		service.KeytabPrincipal(v.principal))

	ok, creds, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return "", fmt.Errorf("verify AP-REQ: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("AP-REQ rejected")
	}
	return creds.UserName(), nil
}

// context is one established GSS security context.
type context struct {
	handle    []byte
	principal string
	created   time.Time
	lastSeq   atomic.Uint32
}

// Processor implements the RPCSEC_GSS lifecycle for the dispatcher: INIT
// and CONTINUE_INIT establish contexts, DESTROY tears them down, DATA calls
// are matched against the context table. The table is partitioned to keep
// lock contention off the data path.
type Processor struct {
	verifier Verifier

	partitions []*ctxPartition
	maxCtx     int
	maxGC      int

	ctxCount atomic.Int64
}

type ctxPartition struct {
	mu   sync.Mutex
	ctxs map[string]*context
}

// ProcessorConfig tunes the context cache.
type ProcessorConfig struct {
	// HashPartitions is the number of context table shards.
	HashPartitions int

	// MaxCtx caps the number of live contexts (0 = unlimited).
	MaxCtx int

	// MaxGC caps how many expired contexts one sweep may reap.
	MaxGC int
}

// NewProcessor builds a Processor over the given verifier.
func NewProcessor(verifier Verifier, cfg ProcessorConfig) *Processor {
	if cfg.HashPartitions <= 0 {
		cfg.HashPartitions = 7
	}
	parts := make([]*ctxPartition, cfg.HashPartitions)
	for i := range parts {
		parts[i] = &ctxPartition{ctxs: make(map[string]*context)}
	}
	return &Processor{
		verifier:   verifier,
		partitions: parts,
		maxCtx:     cfg.MaxCtx,
		maxGC:      cfg.MaxGC,
	}
}

func (p *Processor) partition(handle []byte) *ctxPartition {
	h := fnv.New32a()
	_, _ = h.Write(handle)
	return p.partitions[h.Sum32()%uint32(len(p.partitions))]
}

// ContextCount reports the number of live contexts.
func (p *Processor) ContextCount() int64 {
	return p.ctxCount.Load()
}

// Authenticate runs the RPCSEC_GSS state machine for one call. args is
// the argument stream following the call header; INIT and CONTINUE_INIT
// consume the client token from it.
//
// The classic no_dispatch flag is expressed as Result.Kind: negotiation
// frames come back as Handshake with the reply this layer produced, data
// calls as Dispatch, failures as Reject with an auth-stat.
func (p *Processor) Authenticate(call *rpc.CallMessage, args io.Reader) Result {
	cred, err := DecodeCred(call.Cred.Body)
	if err != nil {
		logger.Debug("Malformed GSS credential",
			"xid", fmt.Sprintf("0x%x", call.XID), "error", err)
		return Result{Kind: Reject, Stat: rpc.AuthBadCred}
	}

	switch cred.Proc {
	case ProcInit, ProcContinueInit:
		return p.initContext(call, cred, args)

	case ProcDestroy:
		p.destroyContext(cred.Handle)
		return Result{Kind: Handshake, Cred: cred,
			HandshakeReply: rpc.MakeSuccessReply(call.XID, nil)}

	case ProcData:
		ctx := p.lookup(cred.Handle)
		if ctx == nil {
			logger.Debug("GSS data call for unknown context",
				"xid", fmt.Sprintf("0x%x", call.XID))
			return Result{Kind: Reject, Stat: rpc.GSSCredProblem}
		}
		if cred.SeqNum >= MaxSeq {
			return Result{Kind: Reject, Stat: rpc.GSSCtxProblem}
		}
		ctx.lastSeq.Store(cred.SeqNum)
		return Result{Kind: Dispatch, Cred: cred}

	default:
		return Result{Kind: Reject, Stat: rpc.AuthBadCred}
	}
}

// initContext verifies the client token and installs a new context. The
// token is the procedure argument of INIT calls: one XDR opaque.
func (p *Processor) initContext(call *rpc.CallMessage, cred *Cred, args io.Reader) Result {
	if p.verifier == nil {
		return Result{Kind: Reject, Stat: rpc.AuthTooWeak}
	}
	if args == nil {
		return Result{Kind: Reject, Stat: rpc.AuthBadCred}
	}

	token, err := xdr.DecodeOpaque(args)
	if err != nil {
		logger.Debug("GSS init token decode failed", "error", err)
		return Result{Kind: Reject, Stat: rpc.AuthBadCred}
	}

	principal, err := p.verifier.VerifyToken(token)
	if err != nil {
		logger.Info("GSS context establishment failed", "error", err)
		return Result{Kind: Reject, Stat: rpc.GSSCredProblem}
	}

	if p.maxCtx > 0 && int(p.ctxCount.Load()) >= p.maxCtx {
		p.sweep()
		if int(p.ctxCount.Load()) >= p.maxCtx {
			return Result{Kind: Reject, Stat: rpc.AuthTooWeak}
		}
	}

	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return Result{Kind: Reject, Stat: rpc.AuthFailed}
	}

	ctx := &context{handle: handle, principal: principal, created: time.Now()}
	part := p.partition(handle)
	part.mu.Lock()
	part.ctxs[string(handle)] = ctx
	part.mu.Unlock()
	p.ctxCount.Add(1)

	logger.Debug("GSS context established", "principal", principal)

	return Result{Kind: Handshake, Cred: cred,
		HandshakeReply: rpc.MakeSuccessReply(call.XID, encodeInitRes(handle))}
}

// encodeInitRes encodes an rpc_gss_init_res: handle, major/minor status,
// sequence window, and an empty continuation token.
func encodeInitRes(handle []byte) []byte {
	out := make([]byte, 0, 4+len(handle)+16)
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(handle)))
	out = append(out, lenBuf[:]...)
	out = append(out, handle...)

	binary.BigEndian.PutUint32(lenBuf[:], 0) // gss major: complete
	out = append(out, lenBuf[:]...)
	out = append(out, lenBuf[:]...) // gss minor: 0
	binary.BigEndian.PutUint32(lenBuf[:], 128)
	out = append(out, lenBuf[:]...) // seq window
	binary.BigEndian.PutUint32(lenBuf[:], 0)
	out = append(out, lenBuf[:]...) // empty token
	return out
}

func (p *Processor) lookup(handle []byte) *context {
	part := p.partition(handle)
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.ctxs[string(handle)]
}

func (p *Processor) destroyContext(handle []byte) {
	part := p.partition(handle)
	part.mu.Lock()
	if _, ok := part.ctxs[string(handle)]; ok {
		delete(part.ctxs, string(handle))
		p.ctxCount.Add(-1)
	}
	part.mu.Unlock()
}

// sweep reaps up to maxGC (16 when unset) contexts created more than eight
// hours ago, in map iteration order rather than oldest first. Called only
// when the context table is full.
func (p *Processor) sweep() {
	budget := p.maxGC
	if budget <= 0 {
		budget = 16
	}
	cutoff := time.Now().Add(-8 * time.Hour)
	for _, part := range p.partitions {
		part.mu.Lock()
		for k, ctx := range part.ctxs {
			if budget == 0 {
				part.mu.Unlock()
				return
			}
			if ctx.created.Before(cutoff) {
				delete(part.ctxs, k)
				p.ctxCount.Add(-1)
				budget--
			}
		}
		part.mu.Unlock()
	}
}
