package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/rpc/gss"
	"github.com/marmos91/nfsgate/pkg/config"
)

// ProgramHandlers are the protocol-family callbacks the dispatcher hands
// decoded requests to. They own the NFS semantics; the dispatcher owns
// everything up to (and including) the dequeue.
type ProgramHandlers struct {
	NFS    ProcessFunc
	Mount  ProcessFunc
	NLM    ProcessFunc
	RQuota ProcessFunc
}

// Options carries the injectable collaborators.
type Options struct {
	// Metrics receives dispatcher telemetry; nil disables collection.
	Metrics Metrics

	// DRC provides duplicate-request-cache bindings; nil disables DRC.
	DRC DRCProvider

	// RDMA supplies the verbs transport when core.rdma is enabled.
	RDMA RDMAProvider

	// GSSVerifier overrides the keytab-backed verifier (tests).
	GSSVerifier gss.Verifier

	// Workers is the number of request workers to start. Zero starts
	// one per event channel.
	Workers int
}

// Dispatcher is the single owner of the RPC front end: sockets, event
// channels, transports, the decode pipeline, the request queues, and the
// worker pools. All state lives here; there are no package-level mutables.
type Dispatcher struct {
	cfg      *config.Config
	handlers ProgramHandlers

	metrics Metrics
	drc     DRCProvider
	rdma    RDMAProvider

	queues       *QueueSet
	reqFridge    *Fridge
	workerPool   *Fridge
	prov         *Provisioner
	chans        *EventChannelPool
	registrar    *Registrar
	gss          *gss.Processor
	funcs        *FuncRegistry
	checksumFn   func(*Req) bool
	testVerifier gss.Verifier
	workerCount  int

	udpXprt [protoCount]*Xprt
	tcpXprt [protoCount]*Xprt

	xprtIDs atomic.Uint64

	stopOnce sync.Once
}

// New builds a dispatcher. Nothing touches the network until Init.
func New(cfg *config.Config, handlers ProgramHandlers, opts Options) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = NumEventChannels
	}
	return &Dispatcher{
		cfg:          cfg,
		handlers:     handlers,
		metrics:      opts.Metrics,
		drc:          opts.DRC,
		rdma:         opts.RDMA,
		testVerifier: opts.GSSVerifier,
		funcs:        NewFuncRegistry(),
		workerCount:  workers,
	}
}

// Queues exposes the queue engine for telemetry.
func (d *Dispatcher) Queues() *QueueSet { return d.queues }

// Init performs startup in its required order: queue engine, decoder
// pool, event channels, netconfigs, socket allocation, bind, stale
// unregistration, transport creation, GSS principal acquisition, and
// finally program registration.
func (d *Dispatcher) Init(ctx context.Context) error {
	logger.Info("Dispatcher init", "core_options", fmt.Sprintf("0x%x", d.cfg.Core.Options()))

	// Queue engine before everything else: decode must have a place to
	// put requests the instant the first transport goes readable.
	d.queues = NewQueueSet(d.metrics)
	d.reqFridge = NewFridge("decoder", FridgeParams{
		MinThreads:      1,
		ExpirationDelay: d.cfg.Decoder.ExpirationDelay,
		BlockTimeout:    d.cfg.Decoder.BlockTimeout,
	})
	d.workerPool = NewFridge("worker", FridgeParams{
		MinThreads: 1,
	})

	chans, err := NewEventChannelPool(d.cfg.Core.RDMA)
	if err != nil {
		return fmt.Errorf("create event channels: %w", err)
	}
	d.chans = chans

	// Netconfigs load before any socket exists. Their IPv6 probe fails on
	// the same hosts where Allocate would latch v6Disabled.
	registrar, err := NewRegistrar(d.cfg, false)
	if err != nil {
		return fmt.Errorf("load netconfigs: %w", err)
	}
	d.registrar = registrar

	d.prov = NewProvisioner(d.cfg)
	if err := d.prov.Allocate(); err != nil {
		return fmt.Errorf("allocate sockets: %w", err)
	}

	if err := d.prov.Bind(); err != nil {
		return fmt.Errorf("bind sockets: %w", err)
	}

	// Sweep stale registrations a previous incarnation left behind
	// before advertising ourselves.
	d.registrar.UnregisterAll(ctx)

	if err := d.CreateTransports(); err != nil {
		return fmt.Errorf("create transports: %w", err)
	}

	if err := d.initGSS(); err != nil {
		// Non-fatal: the server runs degraded without RPCSEC_GSS.
		logger.Warn("GSS initialization failed; continuing without RPCSEC_GSS", "error", err)
	}

	if err := d.registrar.RegisterAll(ctx); err != nil {
		return fmt.Errorf("portmap registration: %w", err)
	}

	logger.Info("Dispatcher initialized",
		"event_channels", NumEventChannels,
		"v6_disabled", d.prov.V6Disabled())
	return nil
}

// initGSS acquires the service principal and stands up the RPCSEC_GSS
// processor.
func (d *Dispatcher) initGSS() error {
	if !d.cfg.Kerberos.Enabled {
		return nil
	}

	verifier := d.testVerifier
	if verifier == nil {
		v, err := gss.NewKeytabVerifier(d.cfg.Kerberos.Keytab, d.cfg.Kerberos.Principal)
		if err != nil {
			return fmt.Errorf("acquire principal %q: %w", d.cfg.Kerberos.Principal, err)
		}
		logger.Info("Imported service principal", "principal", d.cfg.Kerberos.Principal)
		verifier = v
	}

	d.gss = gss.NewProcessor(verifier, gss.ProcessorConfig{
		HashPartitions: d.cfg.RPC.GSS.CtxHashPartitions,
		MaxCtx:         d.cfg.RPC.GSS.MaxCtx,
		MaxGC:          d.cfg.RPC.GSS.MaxGC,
	})
	return nil
}

// Serve starts the event channel threads and the worker pool, then blocks
// until ctx is cancelled, at which point it runs the shutdown sequence.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if d.chans == nil {
		return fmt.Errorf("dispatcher not initialized")
	}

	d.chans.Start()
	for i := 0; i < d.workerCount; i++ {
		if err := d.workerPool.Submit(d.workerBody); err != nil {
			return fmt.Errorf("start worker %d: %w", i, err)
		}
	}

	logger.Info("Dispatcher serving", "workers", d.workerCount)

	<-ctx.Done()
	logger.Info("Shutdown signal received", "error", ctx.Err())
	d.Stop(context.Background())
	return nil
}

// workerBody is one request worker: dequeue with timed wait, invoke the
// process callback the rendezvous selected, release the queue's reference.
func (d *Dispatcher) workerBody(fctx *FridgeContext) {
	we := NewWaitEntry()
	for {
		r := d.queues.Dequeue(we, fctx.ShouldBreak)
		if r == nil {
			if fctx.ShouldBreak() {
				return
			}
			continue
		}

		if r.process != nil {
			r.process(r)
		} else {
			logger.Warn("Request with no process callback dropped",
				"class", r.Class.String())
		}
		r.free()
	}
}

// EnqueueCall queues a server-internal callback call on the Call class.
// The transport reference keeps the backchannel alive until the call is
// executed.
func (d *Dispatcher) EnqueueCall(x *Xprt, process ProcessFunc) *Req {
	r := reqPool.Get().(*Req)
	*r = Req{Type: ReqCall, Xprt: x, process: process}
	if x != nil {
		x.Ref()
	}
	r.refs.Store(1)
	d.queues.Enqueue(r)
	return r
}

// Stop runs the shutdown sequence: signal the event channels, drain the
// worker and decoder pools, withdraw portmap registrations, and close the
// listening sockets directly so a fast restart cannot hit
// address-in-use.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		logger.Info("Dispatcher stopping")

		if d.chans != nil {
			d.chans.Shutdown()
		}
		if d.workerPool != nil {
			d.workerPool.Stop()
		}
		if d.reqFridge != nil {
			d.reqFridge.Stop()
		}
		if d.registrar != nil {
			d.registrar.UnregisterAll(ctx)
		}

		// Release the factory's transport references.
		for i := range d.udpXprt {
			if d.udpXprt[i] != nil {
				d.udpXprt[i].Release()
				d.udpXprt[i] = nil
			}
			if d.tcpXprt[i] != nil {
				d.tcpXprt[i].Release()
				d.tcpXprt[i] = nil
			}
		}

		if d.prov != nil {
			d.prov.CloseAll()
		}
		logger.Info("Dispatcher stopped")
	})
}
