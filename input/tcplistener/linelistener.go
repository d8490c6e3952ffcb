// Package tcplistener provides the inbound TCP listener which turns newline-delimited text into events
package tcplistener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
)

const tcpReadBufferMax = 8 * 1024 * 1024 // Less than /proc/sys/net/ipv4/tcp_mem
const tcpReadBufferMin = 65536

var tcpLastReadBufferSize atomic.Int64 // cached for all connections to avoid retrying sizes known to fail

func init() {
	tcpLastReadBufferSize.Store(tcpReadBufferMax)
}

// Config defines a LineListener
type Config struct {
	Address         string                 // listening address, port zero for auto-assigned port
	MaxMessageBytes int                    // max length of event body
	Truncate        bool                   // truncate oversized messages instead of dropping them
	RecordStart     func(line []byte) bool // optional test for the first line of multi-line records
}

// LineListener is a TCP listener for line-based, request-only text protocol, with optional support for
// multi-line messages
//
// Every message is translated into an event and passed to the callback given at construction, on the goroutine
// of the connection it came from. The callback may block, which in turn stops reading from the connection.
//
// There is no confirmation and the protocol is inherently unreliable.
type LineListener struct {
	logger          logger.Logger
	config          Config
	socket          *net.TCPListener
	address         string
	onEvent         base.EventCallback
	started         atomic.Bool
	stopOnce        sync.Once
	stopRequest     *channels.SignalAwaitable
	callbackCtx     context.Context
	cancelCallbacks context.CancelFunc
	taskCounter     *sync.WaitGroup    // counter to track connection tasks and the listener task itself
	stopped         channels.Awaitable // signaled when both listener and all connections have stopped
}

// NewLineListener creates a socket listening on the configured TCP address
//
// The listener doesn't accept connections until Start
func NewLineListener(parentLogger logger.Logger, config Config, onEvent base.EventCallback) (*LineListener, error) {
	if config.MaxMessageBytes <= 0 {
		return nil, fmt.Errorf("invalid max message size: %d", config.MaxMessageBytes)
	}

	socket, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Address, err)
	}
	boundAddr := socket.Addr().String()

	// init taskCounter with 1 for the listener; WaitGroupAwaitable would be signaled immediately at zero
	taskCounter := &sync.WaitGroup{}
	taskCounter.Add(1)

	callbackCtx, cancelCallbacks := context.WithCancel(context.Background())
	return &LineListener{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "LineListener",
			defs.LabelAddress:   boundAddr,
		}),
		config:          config,
		socket:          socket.(*net.TCPListener),
		address:         boundAddr,
		onEvent:         onEvent,
		stopRequest:     channels.NewSignalAwaitable(),
		callbackCtx:     callbackCtx,
		cancelCallbacks: cancelCallbacks,
		taskCounter:     taskCounter,
		stopped:         channels.NewWaitGroupAwaitable(taskCounter),
	}, nil
}

// Address returns the actual listening address including the final port
func (lsnr *LineListener) Address() string {
	return lsnr.address
}

// Start launches the accept loop in background
func (lsnr *LineListener) Start() error {
	if !lsnr.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener %s: %w", lsnr.address, errAlreadyStarted)
	}
	lsnr.logger.Info("start listening")
	go lsnr.run()
	return nil
}

// Close stops accepting, closes all connections and waits for them to finish
//
// Connections blocked in the event callback are waited for until ctx is done or defs.ListenerStopTimeout has
// passed, after which the context passed to the callback is cancelled.
func (lsnr *LineListener) Close(ctx context.Context) error {
	lsnr.stopOnce.Do(func() { lsnr.stopRequest.Signal() })
	if lsnr.started.CompareAndSwap(false, true) {
		// never started
		lsnr.taskCounter.Done()
		lsnr.cancelCallbacks()
		return lsnr.socket.Close()
	}

	timer := time.NewTimer(defs.ListenerStopTimeout)
	defer timer.Stop()
	select {
	case <-lsnr.stopped.Channel():
	case <-timer.C:
		lsnr.logger.Warnf("connections still busy after %s, cancel pending events", defs.ListenerStopTimeout)
	case <-ctx.Done():
		lsnr.logger.Warn("cancel pending events: ", ctx.Err())
	}
	lsnr.cancelCallbacks()
	lsnr.stopped.WaitForever()
	lsnr.logger.Info("stopped")
	return nil
}

// Stopped returns an Awaitable signaled when the listener and all its connections have stopped
func (lsnr *LineListener) Stopped() channels.Awaitable {
	return lsnr.stopped
}

var errAlreadyStarted = errors.New("already started or closed")

func (lsnr *LineListener) run() {
	abortListener := channels.NewSignalAwaitable()
	go func() {
		channels.AnyAwaitables(lsnr.stopRequest, abortListener).Next(func() {
			if abortListener.Peek() {
				lsnr.logger.Info("abort listener")
			} else {
				lsnr.logger.Info("close listener on stop request")
			}
		}).WaitForever()
		lsnr.socket.Close()
	}()

	lsnr.logger.Info("start accept loop")
	for {
		conn, err := lsnr.socket.AcceptTCP()
		if err != nil {
			if !lsnr.stopRequest.Peek() || !util.IsNetworkClosed(err) {
				lsnr.logger.Error("accept() error: ", err)
				abortListener.Signal()
			}
			break
		}

		connLogger := lsnr.logger.WithFields(logger.Fields{
			defs.LabelPart:   "connection",
			defs.LabelClient: conn.RemoteAddr().String(),
		})
		connLogger.Info("accepted connection")
		lsnr.taskCounter.Add(1)
		go lsnr.runConnection(connLogger, conn)
	}
	lsnr.logger.Info("end accept loop")

	// the listener itself is done, there could still be established connections
	lsnr.taskCounter.Done()
}

func (lsnr *LineListener) runConnection(connLogger logger.Logger, conn *net.TCPConn) {
	defer lsnr.taskCounter.Done()

	connAborter := lsnr.launchConnectionCloser(connLogger, conn)
	lsnr.tuneConnection(connLogger, conn)

	source := conn.RemoteAddr().String()
	cancelled := false
	emit := func(record []byte) {
		if cancelled {
			return
		}
		evt := lsnr.translate(connLogger, source, record)
		if evt == nil {
			return
		}
		if err := lsnr.onEvent(lsnr.callbackCtx, evt); err != nil {
			if errors.Is(err, base.ErrCancelled) {
				connLogger.Warn("event cancelled, abort connection: ", err)
				cancelled = true
				return
			}
			connLogger.Warn("failed to pass event: ", err)
		}
	}
	reader := newRecordReader(conn.Read, lsnr.config.RecordStart, defs.ListenerLineBufferSize,
		lsnr.config.MaxMessageBytes, emit)

	for !cancelled {
		if err := conn.SetReadDeadline(time.Now().Add(defs.InputFlushInterval)); err != nil {
			connLogger.Warn("failed to set read deadline: ", err)
		}
		err := reader.Read()
		if err == nil {
			continue
		}
		if util.IsNetworkTimeout(err) {
			// no more lines for now, anything buffered must be a complete record
			reader.Flush()
			continue
		}
		reader.FlushAll()
		if util.IsNetworkClosed(err) && lsnr.stopRequest.Peek() {
			connLogger.Info("closed by stop request")
		} else if !util.IsNetworkClosed(err) {
			connLogger.Warn("read() error: ", err)
		}
		break
	}
	connAborter.Signal()
	connLogger.Info("ended")
}

// translate converts a record into event, applying the truncation policy on oversized records
//
// Returns nil if the record is dropped
func (lsnr *LineListener) translate(connLogger logger.Logger, source string, record []byte) *base.Event {
	maxLen := lsnr.config.MaxMessageBytes
	if len(record) > maxLen {
		if !lsnr.config.Truncate {
			connLogger.Warnf("drop oversized message: length=%d max=%d", len(record), maxLen)
			return nil
		}
		connLogger.Debugf("truncate oversized message: length=%d max=%d", len(record), maxLen)
		record = record[:maxLen]
	}
	body := make([]byte, len(record))
	copy(body, record)
	return &base.Event{
		Timestamp: time.Now(),
		Source:    source,
		Body:      body,
	}
}

func (lsnr *LineListener) launchConnectionCloser(connLogger logger.Logger, conn *net.TCPConn) *channels.SignalAwaitable {
	abortConn := channels.NewSignalAwaitable()
	go func() {
		channels.AnyAwaitables(lsnr.stopRequest, abortConn).Next(func() {
			if abortConn.Peek() {
				connLogger.Debug("close connection")
			} else {
				connLogger.Info("close connection on stop request")
			}
		}).WaitForever()
		conn.Close()
	}()
	return abortConn
}

func (lsnr *LineListener) tuneConnection(connLogger logger.Logger, conn *net.TCPConn) {
	if err := conn.SetKeepAlive(true); err != nil {
		connLogger.Warnf("error enabling keep-alive: %s", err.Error())
	}
	if sz, err := util.TrySetTCPReadBuffer(conn, int(tcpLastReadBufferSize.Load()), tcpReadBufferMin); err != nil {
		connLogger.Warnf("error changing buffer size: %s", err.Error())
	} else {
		connLogger.Debugf("set TCP buffer size: %d", sz)
		tcpLastReadBufferSize.Store(int64(sz))
	}
}
