// Package queuesource provides an event source which buffers events pushed by a network listener in a bounded
// queue, to be pulled by a single consumer
package queuesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/input/tcplistener"
	"github.com/relex/slog-relay/queue"
)

// Report attributes of Source
const (
	ReportServerPort    = "serverPort"
	ReportQueueCapacity = "queueCapacity" // current number of queued events
	ReportQueueFree     = "queueFree"
	ReportEnqueued      = "enqueued"
	ReportDequeued      = "dequeued"
	ReportBytesIn       = "bytesIn" // total length of accepted event bodies
)

// Config defines a Source
type Config struct {
	Name            string        // logical name
	Host            string        // optional listening host
	Port            int           // listening port, zero for auto-assigned port
	QueueSize       int           // capacity of queue, ignored by NewWithQueue
	MaxCloseSleep   time.Duration // max time to wait for the queue to shrink during Close
	Truncate        bool          // truncate oversized events instead of dropping them
	MaxMessageBytes int           // max length of event body
}

// ListenAddress returns the TCP address to listen on
func (config Config) ListenAddress() string {
	return net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
}

// ListenerFactory creates the inbound listener of a Source, to invoke the given callback for every incoming event
type ListenerFactory func(parentLogger logger.Logger, config Config, onEvent base.EventCallback) (base.EventListener, error)

// NewTCPLineListener is a ListenerFactory for tcplistener.LineListener
func NewTCPLineListener(parentLogger logger.Logger, config Config, onEvent base.EventCallback) (base.EventListener, error) {
	lsnr, err := tcplistener.NewLineListener(parentLogger, tcplistener.Config{
		Address:         config.ListenAddress(),
		MaxMessageBytes: config.MaxMessageBytes,
		Truncate:        config.Truncate,
	}, onEvent)
	if err != nil {
		return nil, err
	}
	return lsnr, nil
}

type sourceState int

const (
	stateNew sourceState = iota
	stateOpen
	stateClosed
)

// Source decouples the accept rate of its listener from the processing rate of its consumer
//
// Events accepted by the listener are put into a bounded queue, blocking the listener while the queue is full.
// A single consumer pulls them through Next, which returns io.EOF once the source is closed and drained.
//
// Open and Close are meant to be called once each.
type Source struct {
	logger      logger.Logger
	config      Config
	newListener ListenerFactory
	queue       *queue.Bounded[*base.Event]
	enqueued    atomic.Int64
	dequeued    atomic.Int64
	bytesIn     atomic.Int64
	stats       base.EventStats

	lifecycleMutex sync.Mutex // serializes Open and Close
	state          sourceState
	listener       base.EventListener

	closedMutex     sync.Mutex // guards closed, listenerAddress and boundPort
	closed          bool       // false while serving; checked by Next when the queue is empty
	listenerAddress string
	boundPort       int // actual port once opened, differs from config.Port if that is zero
}

var _ base.EventSource = (*Source)(nil)

// New creates a Source with a queue of config.QueueSize
func New(parentLogger logger.Logger, config Config, newListener ListenerFactory) (*Source, error) {
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("invalid queue size: %d", config.QueueSize)
	}
	return NewWithQueue(parentLogger, config, queue.NewBounded[*base.Event](config.QueueSize), newListener)
}

// NewWithQueue creates a Source on top of the given queue, which may be shared or prefilled
func NewWithQueue(parentLogger logger.Logger, config Config, q *queue.Bounded[*base.Event], newListener ListenerFactory) (*Source, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", config.Port)
	}
	if config.MaxCloseSleep <= 0 {
		return nil, fmt.Errorf("invalid max close sleep: %s", config.MaxCloseSleep)
	}
	return &Source{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "QueueSource",
			defs.LabelName:      config.Name,
		}),
		config:      config,
		newListener: newListener,
		queue:       q,
		state:       stateNew,
		closed:      true,
	}, nil
}

// Open creates and starts the listener
func (src *Source) Open() error {
	src.lifecycleMutex.Lock()
	defer src.lifecycleMutex.Unlock()

	if src.state != stateNew {
		return fmt.Errorf("source [%s] cannot be reopened: %w", src.config.Name, base.ErrClosed)
	}
	listener, err := src.newListener(src.logger, src.config, src.Enqueue)
	if err != nil {
		return fmt.Errorf("failed to create listener for [%s]: %w", src.config.Name, err)
	}
	src.logger.Infof("listening server on port %d for [%s]...", src.config.Port, src.config.Name)
	if err := listener.Start(); err != nil {
		_ = listener.Close(context.Background())
		return fmt.Errorf("failed to start listener for [%s]: %w", src.config.Name, err)
	}
	src.listener = listener
	src.state = stateOpen

	src.closedMutex.Lock()
	src.closed = false
	src.boundPort = src.config.Port
	if lsnr, ok := listener.(interface{ Address() string }); ok {
		src.listenerAddress = lsnr.Address()
		if _, portText, err := net.SplitHostPort(src.listenerAddress); err == nil {
			if port, err := strconv.Atoi(portText); err == nil {
				src.boundPort = port
			}
		}
	}
	src.closedMutex.Unlock()
	return nil
}

// Enqueue appends an event to queue, waiting as long as the queue is full
//
// Returns a cancellation error if the context is cancelled before there is space, in which case the event is
// not enqueued
func (src *Source) Enqueue(ctx context.Context, evt *base.Event) error {
	if err := src.queue.Put(ctx, evt); err != nil {
		src.logger.Error("blocked append was interrupted: ", err)
		return base.NewCancelledError("blocked append", err)
	}
	src.enqueued.Add(1)
	src.bytesIn.Add(int64(evt.Length()))
	return nil
}

// Next returns the next event, waiting for one as long as the source isn't closed
//
// Returns io.EOF if the source is closed and there is nothing to return. Next is meant for a single consumer.
func (src *Source) Next(ctx context.Context) (*base.Event, error) {
	for {
		evt, ok, err := src.queue.Poll(ctx, defs.SourcePollInterval)
		if err != nil {
			return nil, base.NewCancelledError("waiting for queue element", err)
		}
		if ok {
			src.dequeued.Add(1)
			src.stats.Update(evt)
			return evt, nil
		}
		if src.isClosed() {
			return nil, io.EOF
		}
	}
}

// Close stops the listener and waits for the queue to be drained by the consumer
//
// The wait ends with a warning when the queue doesn't shrink within config.MaxCloseSleep, leaving remaining
// events in queue. Listener connections still blocked on a full queue by then are cancelled. Returns a
// cancellation error only if the context is cancelled during the wait.
func (src *Source) Close(ctx context.Context) error {
	src.lifecycleMutex.Lock()
	defer src.lifecycleMutex.Unlock()

	if src.state != stateOpen {
		return nil
	}
	src.state = stateClosed

	src.logger.Infof("queue still has %d elements ...", src.queue.Len())

	// the listener stops in parallel with draining, since its connections may be waiting for space in queue
	stopCtx, cancelStop := context.WithCancel(ctx)
	defer cancelStop()
	listenerStopped := make(chan struct{})
	go func() {
		defer close(listenerStopped)
		if err := src.listener.Close(stopCtx); err != nil {
			src.logger.Warn("error closing listener: ", err)
		}
	}()

	err := src.drain(ctx, listenerStopped)
	cancelStop()
	<-listenerStopped
	src.setClosed(true)
	if err != nil {
		src.logger.Error("unexpected interrupt of close: ", err)
		return base.NewCancelledError("close", err)
	}
	return nil
}

// drain waits until the listener has stopped and the queue is empty, or until the queue stops shrinking
func (src *Source) drain(ctx context.Context, listenerStopped <-chan struct{}) error {
	ticker := time.NewTicker(defs.SourceDrainInterval)
	defer ticker.Stop()

	windowStart := time.Now()
	windowSize := src.queue.Len()
	for {
		select {
		case <-listenerStopped:
			if src.queue.IsEmpty() {
				return nil
			}
		default:
		}
		if time.Since(windowStart) > src.config.MaxCloseSleep {
			size := src.queue.Len()
			if size >= windowSize {
				src.logger.Warnf("close timed out due to no progress. Closing despite having %d values still enqueued", size)
				return nil
			}
			windowStart = time.Now()
			windowSize = size
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Report returns a snapshot of counters and queue state
func (src *Source) Report() base.Report {
	report := base.NewReport(src.config.Name)
	src.stats.AddToReport(&report)
	report.SetLong(ReportServerPort, int64(src.serverPort()))
	report.SetLong(ReportQueueCapacity, int64(src.queue.Len()))
	report.SetLong(ReportQueueFree, int64(src.queue.Remaining()))
	report.SetLong(ReportEnqueued, src.enqueued.Load())
	report.SetLong(ReportDequeued, src.dequeued.Load())
	report.SetLong(ReportBytesIn, src.bytesIn.Load())
	return report
}

// ListenerAddress returns the actual address of the listener once opened, if the listener has one
func (src *Source) ListenerAddress() string {
	src.closedMutex.Lock()
	defer src.closedMutex.Unlock()
	return src.listenerAddress
}

// serverPort returns the bound port if known, or the configured one
func (src *Source) serverPort() int {
	src.closedMutex.Lock()
	defer src.closedMutex.Unlock()
	if src.boundPort != 0 {
		return src.boundPort
	}
	return src.config.Port
}

func (src *Source) isClosed() bool {
	src.closedMutex.Lock()
	defer src.closedMutex.Unlock()
	return src.closed
}

func (src *Source) setClosed(closed bool) {
	src.closedMutex.Lock()
	src.closed = closed
	src.closedMutex.Unlock()
}
