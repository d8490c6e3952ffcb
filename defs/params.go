package defs

import (
	"time"
)

var (
	// InputLogMaxMessageBytes defines the maximum length of an incoming event body
	//
	// Longer messages are truncated if the source is configured to truncate, or dropped otherwise
	InputLogMaxMessageBytes = 1 * 1024 * 1024

	// InputFlushInterval defines how long to wait for the next line before an incomplete multi-line record is
	// considered finished
	InputFlushInterval = 500 * time.Millisecond

	// ListenerLineBufferSize defines the buffer size in bytes to read one line
	ListenerLineBufferSize = InputLogMaxMessageBytes * 4

	// ListenerStopTimeout is how long a closing listener lets its connections block on a full queue before
	// cancelling them
	ListenerStopTimeout = 60 * time.Second
)

var (
	// SourceDefaultQueueSize is the default capacity of the queue between a listener and its consumer
	SourceDefaultQueueSize = 1000

	// SourceMaxCloseSleep is how long a closing source waits for its queue to shrink before giving up on the
	// remaining events
	//
	// The wait is extended as long as the queue keeps shrinking
	SourceMaxCloseSleep = 60 * time.Second

	// SourcePollInterval is the granularity at which a waiting consumer notices the source being closed
	SourcePollInterval = 100 * time.Millisecond

	// SourceDrainInterval is how often a closing source checks its queue
	SourceDrainInterval = 100 * time.Millisecond
)

var (
	// TransceiverConnectTimeout is for establishing a connection to upstream, including handshake
	TransceiverConnectTimeout = 60 * time.Second

	// TransceiverReportInterval is how often a transceiver logs and resets its sent/dropped counters
	TransceiverReportInterval = 1 * time.Minute

	// TransceiverTCPNoDelay disables Nagle's algorithm on upstream connections
	TransceiverTCPNoDelay = true

	// TransceiverSendBufferSize is the OS send buffer size of upstream connections
	TransceiverSendBufferSize = 1024 * 1024

	// TransceiverReceiveBufferSize is the OS receive buffer size of upstream connections
	TransceiverReceiveBufferSize = 1024 * 1024

	// TransceiverWriteBufferHighWaterMark is the amount of unflushed bytes above which a connection stops being
	// writable and new payloads are dropped
	TransceiverWriteBufferHighWaterMark = 10 * 64 * 1024

	// TransceiverWriteBufferLowWaterMark is the amount of unflushed bytes below which a connection that stopped
	// being writable becomes writable again
	TransceiverWriteBufferLowWaterMark = 64 * 1024

	// TransceiverWriteTimeout is the socket deadline of one flush to upstream
	TransceiverWriteTimeout = 60 * time.Second

	// TransceiverIOWorkers is the max number of concurrent connect operations of one channel factory
	TransceiverIOWorkers = 10

	// TransceiverIOQueueSize is the max number of queued connect operations of one channel factory, above
	// which new operations are discarded
	TransceiverIOQueueSize = 10000
)

var (
	// MetricsUpdateInterval is how often source reports are exported to Prometheus
	MetricsUpdateInterval = 5 * time.Second
)

// For testing and experiments
const (
	TestReadTimeout = 5 * time.Second
)

// EnableTestMode turns on test mode with very short timeout
func EnableTestMode() {
	SourceMaxCloseSleep = 1 * time.Second
	ListenerStopTimeout = 2 * time.Second
	TransceiverConnectTimeout = 1 * time.Second
	TransceiverWriteTimeout = 3 * time.Second
	MetricsUpdateInterval = 1 * time.Second
}
