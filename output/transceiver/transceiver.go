// Package transceiver provides a resilient sender over a single reconnectable outbound channel
package transceiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync"
	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
)

// Report attributes of Transceiver
const (
	ReportSentEvents    = "sentEvents"
	ReportDroppedEvents = "droppedEvents"
)

var errPeerClosed = errors.New("closed by peer")

// Options defines a Transceiver
type Options struct {
	ConnectTimeout time.Duration     // max time to wait for a connect attempt
	ReportInterval time.Duration     // period of logging and resetting sent/dropped counters
	OnReport       func(base.Report) // optional, receives the counters of each period before they're reset
}

// DefaultOptions returns Options filled with process-wide defaults
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: defs.TransceiverConnectTimeout,
		ReportInterval: defs.TransceiverReportInterval,
	}
}

// Transceiver sends data to a fixed remote address over one connection, reconnecting when needed
//
// WriteData may be called concurrently. Writers share the connection under the read side of connMutex; replacing
// the connection needs the write side. Data is dropped instead of blocking the caller when the connection's write
// buffer is full.
type Transceiver struct {
	logger  logger.Logger
	address string
	factory base.ChannelFactory
	options Options
	handler *channelHandler

	connMutex       xsync.RBMutex
	connection      base.Channel // guarded by connMutex
	connectAttempts atomic.Int64 // number of finished connect attempts, only increased under connMutex
	lastConnectErr  error        // guarded by connMutex, result of the last connect attempt

	pendingMutex   sync.Mutex
	pendingConnect base.ConnectFuture // in-flight connect attempt, at most one

	stopping       atomic.Bool
	sentEvents     atomic.Int64 // since last report
	droppedEvents  atomic.Int64 // since last report
	release        util.RunOnce
	stopReporter   *channels.SignalAwaitable
	reporterExited *channels.SignalAwaitable
	closeOnce      sync.Once
}

// New creates a Transceiver and makes the initial connect attempt
//
// Zero durations in options are replaced by defaults.
//
// Failure of the initial attempt is only logged, the next WriteData would try again.
func New(parentLogger logger.Logger, address string, factory base.ChannelFactory, options Options) *Transceiver {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defs.TransceiverConnectTimeout
	}
	if options.ReportInterval <= 0 {
		options.ReportInterval = defs.TransceiverReportInterval
	}
	tr := &Transceiver{
		logger: parentLogger.WithFields(logger.Fields{
			defs.LabelComponent: "Transceiver",
			defs.LabelRemote:    address,
		}),
		address:        address,
		factory:        factory,
		options:        options,
		stopReporter:   channels.NewSignalAwaitable(),
		reporterExited: channels.NewSignalAwaitable(),
	}
	tr.handler = &channelHandler{tr}
	tr.release = util.NewRunOnce(func() {
		tr.logger.Info("release resources")
		tr.stopReporter.Signal()
		tr.factory.ReleaseExternalResources()
	})

	observedAttempts := tr.connectAttempts.Load()
	tok := tr.connMutex.RLock()
	_, tok, err := tr.getConnection(context.Background(), tok, observedAttempts)
	tr.connMutex.RUnlock(tok)
	if err != nil {
		tr.logger.Warn("initial connect failed: ", err)
	}

	go tr.runReporter()
	return tr
}

// WriteData sends data or drops it if the connection can't take more data now
//
// Connects first if there is no usable connection, which may block up to the connect timeout. Returns error if
// the connection can't be established or the transceiver is closed; dropped data is not an error.
func (tr *Transceiver) WriteData(ctx context.Context, data []byte) error {
	// observed before waiting for the lock, so that an attempt finished meanwhile is shared instead of repeated
	observedAttempts := tr.connectAttempts.Load()
	tok := tr.connMutex.RLock()
	defer func() { tr.connMutex.RUnlock(tok) }()

	var conn base.Channel
	var err error
	conn, tok, err = tr.getConnection(ctx, tok, observedAttempts)
	if err != nil {
		return err
	}
	if !conn.IsWritable() {
		tr.droppedEvents.Add(1)
		return nil
	}
	if err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", tr.address, err)
	}
	tr.sentEvents.Add(1)
	return nil
}

// IsConnected tells whether there is currently a connected channel
func (tr *Transceiver) IsConnected() bool {
	tok := tr.connMutex.RLock()
	defer tr.connMutex.RUnlock(tok)
	return tr.connection != nil && tr.connection.IsConnected()
}

// Report returns the counters of the current report period
func (tr *Transceiver) Report() base.Report {
	report := base.NewReport(tr.address)
	report.SetLong(ReportSentEvents, tr.sentEvents.Load())
	report.SetLong(ReportDroppedEvents, tr.droppedEvents.Load())
	return report
}

// Close stops reconnecting, cancels any in-flight connect attempt and closes the connection
//
// Pending writes are discarded. Close waits for the connection to close, up to the connect timeout.
func (tr *Transceiver) Close() {
	tr.closeOnce.Do(func() {
		tr.logger.Info("closing")
		tr.stopping.Store(true)
		tr.disconnect(nil, true, true, base.ErrClosed)
		tr.release()
		tr.reporterExited.WaitForever()
		tr.logger.Info("closed")
	})
}

func isUsable(conn base.Channel) bool {
	return conn != nil && conn.IsOpen() && conn.IsBound() && conn.IsConnected()
}

// getConnection returns a usable connection, connecting if there is none
//
// The caller must hold the read lock as the given token, and pass the number of connect attempts observed before
// acquiring it. The read lock is released and re-acquired if a connect is needed, so the returned token must be
// used to release it.
func (tr *Transceiver) getConnection(ctx context.Context, tok *xsync.RToken, observedAttempts int64) (base.Channel, *xsync.RToken, error) {
	if conn := tr.connection; isUsable(conn) {
		return conn, tok, nil
	}

	tr.connMutex.RUnlock(tok)
	tr.connMutex.Lock()
	conn, err := tr.connectLocked(ctx, observedAttempts)
	tr.connMutex.Unlock()
	return conn, tr.connMutex.RLock(), err
}

// connectLocked connects unless another caller has already made an attempt since observedAttempts
//
// The caller must hold the write lock
func (tr *Transceiver) connectLocked(ctx context.Context, observedAttempts int64) (base.Channel, error) {
	if isUsable(tr.connection) {
		return tr.connection, nil
	}
	if tr.stopping.Load() {
		return nil, fmt.Errorf("connection to %s: %w", tr.address, base.ErrClosed)
	}
	if tr.connectAttempts.Load() != observedAttempts && tr.lastConnectErr != nil {
		// another caller failed while this one was waiting
		return nil, tr.lastConnectErr
	}

	tr.logger.Debug("connecting")
	future := tr.factory.Connect(tr.address, tr.handler)
	if !tr.setPendingConnect(future) {
		future.Cancel()
	}
	defer tr.clearPendingConnect()

	timer := time.NewTimer(tr.options.ConnectTimeout)
	defer timer.Stop()
	timedOut := false
	select {
	case <-future.Done().Channel():
	case <-timer.C:
		timedOut = future.Cancel()
	case <-ctx.Done():
		if future.Cancel() {
			tr.logger.Error("waiting for connection was interrupted: ", ctx.Err())
			return nil, base.NewCancelledError("connect", ctx.Err())
		}
	}

	conn, err := future.Result()
	if timedOut {
		err = fmt.Errorf("timed out after %s", tr.options.ConnectTimeout)
	}
	tr.connectAttempts.Add(1)
	if err != nil {
		var connErr *base.ConnectError
		if !errors.As(err, &connErr) {
			err = &base.ConnectError{Address: tr.address, Cause: err}
		}
		tr.lastConnectErr = err
		tr.logger.Warn(err)
		return nil, err
	}
	tr.lastConnectErr = nil
	tr.connection = conn
	tr.logger.Info("connected")
	return conn, nil
}

// setPendingConnect records the in-flight connect attempt, returns false if it should be cancelled due to stopping
func (tr *Transceiver) setPendingConnect(future base.ConnectFuture) bool {
	tr.pendingMutex.Lock()
	defer tr.pendingMutex.Unlock()
	tr.pendingConnect = future
	return !tr.stopping.Load()
}

func (tr *Transceiver) clearPendingConnect() {
	tr.pendingMutex.Lock()
	tr.pendingConnect = nil
	tr.pendingMutex.Unlock()
}

func (tr *Transceiver) cancelPendingConnect() {
	tr.pendingMutex.Lock()
	future := tr.pendingConnect
	tr.pendingMutex.Unlock()
	if future != nil && future.Cancel() {
		tr.logger.Info("cancelled pending connect")
	}
}

// disconnect clears and closes the current connection
//
// If stale is not nil, the current connection is only cleared if it's the same one, so a notification from an
// old channel can't tear down its replacement. Must not be called with the read lock held.
func (tr *Transceiver) disconnect(stale base.Channel, awaitCompletion bool, cancelPendingSends bool, cause error) {
	if tr.stopping.Load() {
		tr.cancelPendingConnect()
	}

	tr.connMutex.Lock()
	conn := tr.connection
	if conn != nil && (stale == nil || conn == stale) {
		tr.connection = nil
	} else {
		conn = stale
	}
	tr.connMutex.Unlock()

	if conn == nil {
		return
	}
	if cause != nil {
		tr.logger.Debugf("disconnecting from %s: %v", tr.address, cause)
	} else {
		tr.logger.Debugf("disconnecting from %s", tr.address)
	}
	if cancelPendingSends {
		if discarder, ok := conn.(base.PendingDiscarder); ok {
			discarder.DiscardPending(cause)
		}
	}
	closed := conn.Close()
	if awaitCompletion && !closed.Wait(tr.options.ConnectTimeout) {
		tr.logger.Warnf("connection not closed after %s", tr.options.ConnectTimeout)
	}
}

func (tr *Transceiver) runReporter() {
	defer tr.reporterExited.Signal()

	interval := tr.options.ReportInterval
	// align to whole intervals, e.g. start of next minute
	first := time.Now().Add(interval).Truncate(interval)
	timer := time.NewTimer(time.Until(first))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-tr.stopReporter.Channel():
		return
	}
	tr.report()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tr.report()
		case <-tr.stopReporter.Channel():
			return
		}
	}
}

// report logs and resets counters
func (tr *Transceiver) report() {
	sent := tr.sentEvents.Swap(0)
	dropped := tr.droppedEvents.Swap(0)
	if dropped > 0 {
		host, port, _ := net.SplitHostPort(tr.address)
		tr.logger.Infof("[host: %s, port: %s] Sent %d events in the past %s", host, port, sent, tr.options.ReportInterval)
		tr.logger.Infof("[host: %s, port: %s] Dropped %d events in the past %s due to full TCP write buffer",
			host, port, dropped, tr.options.ReportInterval)
	}
	if tr.options.OnReport != nil {
		report := base.NewReport(tr.address)
		report.SetLong(ReportSentEvents, sent)
		report.SetLong(ReportDroppedEvents, dropped)
		tr.options.OnReport(report)
	}
}
