package dispatch

import "time"

// Metrics is the dispatcher's observability hook. A nil Metrics disables
// collection with zero overhead; the Prometheus implementation lives in
// pkg/metrics/prometheus.
type Metrics interface {
	// RecordEnqueue counts a request entering a class queue.
	RecordEnqueue(class string)

	// RecordDequeue counts a request leaving a class queue, with the
	// time it spent queued.
	RecordDequeue(class string, wait time.Duration)

	// SetQueueDepth publishes a class queue's approximate depth.
	SetQueueDepth(class string, depth int)

	// SetOutstandingRequests publishes the cached outstanding estimate.
	SetOutstandingRequests(n uint32)

	// RecordAuthReject counts an authentication rejection by auth-stat.
	RecordAuthReject(stat string)

	// RecordDecodeError counts an argument decode or checksum failure.
	RecordDecodeError()

	// RecordTransportOpen counts a transport coming up, by kind.
	RecordTransportOpen(kind string)

	// RecordTransportClose counts a transport being destroyed, by kind.
	RecordTransportClose(kind string)
}
