package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsgate/internal/logger"
)

// QClass selects the destination queue for a classified request.
type QClass int

const (
	QMount QClass = iota
	QCall
	QLowLatency
	QHighLatency
	qClassCount
)

var qClassNames = [qClassCount]string{
	"mount",
	"call",
	"low_latency",
	"high_latency",
}

func (c QClass) String() string {
	if c < 0 || c >= qClassCount {
		return "unknown"
	}
	return qClassNames[c]
}

// DequeueTimeout bounds one blocked wait in Dequeue. Workers re-check the
// shutdown flag at least this often.
const DequeueTimeout = 5 * time.Second

// classify maps a request to its queue class. Pure: the same type and
// lookahead always land in the same class.
func classify(rtype ReqType, la Lookahead) QClass {
	switch {
	case rtype == ReqCall:
		return QCall
	case la.Flags&LookaheadMount != 0:
		return QMount
	case la.highLatency():
		return QHighLatency
	default:
		return QLowLatency
	}
}

// reqQueue is one singly-linked FIFO with its own lock. Size is tracked
// atomically so the estimator can read it without the lock.
type reqQueue struct {
	mu   sync.Mutex
	head *Req
	tail *Req
	size atomic.Int32
}

// appendLocked adds r at the tail. Caller holds mu.
func (q *reqQueue) appendLocked(r *Req) {
	r.next = nil
	if q.tail == nil {
		q.head = r
	} else {
		q.tail.next = r
	}
	q.tail = r
	q.size.Add(1)
}

// popLocked removes and returns the head, or nil. Caller holds mu.
func (q *reqQueue) popLocked() *Req {
	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.size.Add(-1)
	return r
}

// QueuePair is the producer/consumer queue pair for one class. Producers
// append under the producer lock only; consumers drain under the consumer
// lock, splicing the whole producer list over when they run dry. The two
// locks are held together only inside the splice, consumer first.
type QueuePair struct {
	name     string
	producer reqQueue
	consumer reqQueue
}

// consumeReq removes the oldest request of the pair, performing the splice
// if the consumer side is empty. Returns nil when both sides are empty.
func (qp *QueuePair) consumeReq() *Req {
	qp.consumer.mu.Lock()
	if r := qp.consumer.popLocked(); r != nil {
		qp.consumer.mu.Unlock()
		return r
	}

	// Consumer dry: splice the whole producer list over in one motion.
	qp.producer.mu.Lock()
	if qp.producer.head == nil {
		qp.producer.mu.Unlock()
		qp.consumer.mu.Unlock()
		return nil
	}

	qp.consumer.head = qp.producer.head
	qp.consumer.tail = qp.producer.tail
	qp.consumer.size.Store(qp.producer.size.Load())
	qp.producer.head = nil
	qp.producer.tail = nil
	qp.producer.size.Store(0)
	qp.producer.mu.Unlock()

	r := qp.consumer.popLocked()
	qp.consumer.mu.Unlock()
	return r
}

// depth reports the pair's total size. Approximate outside the locks.
func (qp *QueuePair) depth() int32 {
	return qp.producer.size.Load() + qp.consumer.size.Load()
}

// WaitEntry is a worker's parking slot. It sits on the waiter list only
// while its worker is blocked in Dequeue; the wake channel carries exactly
// one hand-off per enqueue event.
type WaitEntry struct {
	wake chan struct{}

	// waitSync and syncDone mirror the hand-off protocol flags: waitSync
	// marks an armed waiter, syncDone marks a delivered wake-up. syncDone
	// is atomic because the timeout path reads it without a channel
	// receive ordering it against the producer's store.
	waitSync bool
	syncDone atomic.Bool

	// waiters is 1 while linked into the waiter list, else 0.
	waiters int32

	next *WaitEntry
	prev *WaitEntry
}

// NewWaitEntry returns a parking slot for one worker.
func NewWaitEntry() *WaitEntry {
	return &WaitEntry{wake: make(chan struct{}, 1)}
}

// QueueSet owns the four class queues, the waiter list, and the inactive
// stall list. One value per Dispatcher; no package-level state.
type QueueSet struct {
	qset [qClassCount]QueuePair

	// Waiter list: FIFO of blocked workers, guarded by wqMu.
	wqMu     sync.Mutex
	waitHead *WaitEntry
	waitTail *WaitEntry
	waiters  int32

	// Stall list: reserved for backpressure. No policy is enforced yet,
	// the fields exist so the accounting has a home.
	stallMu     sync.Mutex
	stallActive bool
	stalled     int32

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	nextSlot atomic.Uint32

	// Estimator cache, refreshed every 10th call.
	estCalls atomic.Uint32
	estCache atomic.Uint32

	metrics Metrics
}

// NewQueueSet builds the queue engine. metrics may be nil.
func NewQueueSet(metrics Metrics) *QueueSet {
	qs := &QueueSet{metrics: metrics}
	for i := range qs.qset {
		qs.qset[i].name = QClass(i).String()
	}
	return qs
}

// EnqueuedCount returns the total number of requests ever enqueued.
func (qs *QueueSet) EnqueuedCount() uint64 { return qs.enqueued.Load() }

// DequeuedCount returns the total number of requests ever dequeued.
func (qs *QueueSet) DequeuedCount() uint64 { return qs.dequeued.Load() }

// Enqueue classifies the request, appends it to its class's producer
// queue, and wakes the longest-waiting worker if any is parked.
func (qs *QueueSet) Enqueue(r *Req) {
	r.Class = classify(r.Type, r.Lookahead)
	qp := &qs.qset[r.Class]

	r.EnqueuedAt = time.Now()

	qp.producer.mu.Lock()
	qp.producer.appendLocked(r)
	qp.producer.mu.Unlock()

	qs.enqueued.Add(1)
	if qs.metrics != nil {
		qs.metrics.RecordEnqueue(qp.name)
		qs.metrics.SetQueueDepth(qp.name, int(qp.depth()))
	}

	if r.Msg != nil {
		logger.Debug("Request enqueued",
			"xid", r.Msg.XID, "class", qp.name, "depth", qp.depth())
	}

	// Hand off to the first waiter, FIFO.
	qs.wqMu.Lock()
	if qs.waiters == 0 {
		qs.wqMu.Unlock()
		return
	}
	we := qs.unlinkFirstLocked()
	qs.wqMu.Unlock()

	we.syncDone.Store(true)
	select {
	case we.wake <- struct{}{}:
	default:
	}
}

// unlinkFirstLocked removes the head of the waiter list. Caller holds wqMu
// and has checked waiters > 0.
func (qs *QueueSet) unlinkFirstLocked() *WaitEntry {
	we := qs.waitHead
	qs.waitHead = we.next
	if qs.waitHead == nil {
		qs.waitTail = nil
	} else {
		qs.waitHead.prev = nil
	}
	we.next = nil
	we.prev = nil
	we.waiters = 0
	qs.waiters--
	return we
}

// linkLastLocked appends we to the waiter list. Caller holds wqMu.
func (qs *QueueSet) linkLastLocked(we *WaitEntry) {
	we.next = nil
	we.prev = qs.waitTail
	if qs.waitTail == nil {
		qs.waitHead = we
	} else {
		qs.waitTail.next = we
	}
	qs.waitTail = we
	we.waiters = 1
	qs.waiters++
}

// unlinkLocked removes we from wherever it sits in the list, if linked.
// Caller holds wqMu.
func (qs *QueueSet) unlinkLocked(we *WaitEntry) {
	if we.waiters == 0 {
		return
	}
	if we.prev != nil {
		we.prev.next = we.next
	} else {
		qs.waitHead = we.next
	}
	if we.next != nil {
		we.next.prev = we.prev
	} else {
		qs.waitTail = we.prev
	}
	we.next = nil
	we.prev = nil
	we.waiters = 0
	qs.waiters--
}

// Dequeue returns the next request for a worker, blocking with a timed
// wait when all queues are empty. The starting class rotates per call so
// no class starves the others of worker attention. shouldBreak is polled
// at the suspension point; when it reports true the worker unparks itself
// and gets nil.
func (qs *QueueSet) Dequeue(we *WaitEntry, shouldBreak func() bool) *Req {
	for {
		slot := qs.nextSlot.Add(1) % uint32(qClassCount)
		for i := 0; i < int(qClassCount); i++ {
			qp := &qs.qset[slot]
			if r := qp.consumeReq(); r != nil {
				qs.dequeued.Add(1)
				if qs.metrics != nil {
					qs.metrics.RecordDequeue(qp.name, time.Since(r.EnqueuedAt))
					qs.metrics.SetQueueDepth(qp.name, int(qp.depth()))
				}
				return r
			}
			slot = (slot + 1) % uint32(qClassCount)
		}

		if !qs.waitForWork(we, shouldBreak) {
			return nil
		}
	}
}

// waitForWork parks the worker until a producer hands off, the timeout
// fires, or shutdown is signalled. Returns false when the worker should
// give up and return nil to its caller.
func (qs *QueueSet) waitForWork(we *WaitEntry, shouldBreak func() bool) bool {
	if shouldBreak != nil && shouldBreak() {
		return false
	}

	we.waitSync = true
	we.syncDone.Store(false)

	qs.wqMu.Lock()
	qs.linkLastLocked(we)
	qs.wqMu.Unlock()

	timer := time.NewTimer(DequeueTimeout)
	defer timer.Stop()

	for {
		select {
		case <-we.wake:
		case <-timer.C:
		}

		if shouldBreak != nil && shouldBreak() {
			// The signaller may already have removed us; check the
			// link state under the lock before unlinking.
			qs.wqMu.Lock()
			qs.unlinkLocked(we)
			qs.wqMu.Unlock()
			we.waitSync = false
			we.syncDone.Store(false)
			// Drain a wake-up that raced with shutdown.
			select {
			case <-we.wake:
			default:
			}
			return false
		}

		if we.syncDone.Load() {
			we.waitSync = false
			we.syncDone.Store(false)
			return true
		}

		// Timeout without hand-off: stay linked and wait again.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(DequeueTimeout)
	}
}

// OutstandingReqsEst estimates the number of queued requests. The walk over
// the per-queue sizes happens only every 10th call; between refreshes the
// cached total is returned. Telemetry only.
func (qs *QueueSet) OutstandingReqsEst() uint32 {
	if qs.estCalls.Add(1)%10 != 0 {
		return qs.estCache.Load()
	}

	var total uint32
	for i := range qs.qset {
		qp := &qs.qset[i]
		total += uint32(qp.producer.size.Load())
		total += uint32(qp.consumer.size.Load())
	}
	qs.estCache.Store(total)
	if qs.metrics != nil {
		qs.metrics.SetOutstandingRequests(total)
	}
	return total
}
