package tcpchannel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/util"
)

const readBufferSize = 4096

// tcpChannel is a connection whose writes are queued and flushed by a background goroutine
//
// Anything sent by the peer is read and discarded, so that a peer close or reset is noticed without writing.
type tcpChannel struct {
	logger        logger.Logger
	conn          net.Conn
	remoteAddr    string
	handler       base.ChannelHandler
	highWaterMark int
	lowWaterMark  int
	writeTimeout  time.Duration

	mutex        sync.Mutex // guards pending, pendingBytes, closing and discarded
	pending      [][]byte
	pendingBytes int // queued and in-flight bytes
	closing      bool
	discarded    bool // skip final flush on close
	wakeup       chan struct{}
	writable     atomic.Bool
	open         atomic.Bool
	peerClosed   atomic.Bool

	closeOnce    sync.Once
	closeRequest *channels.SignalAwaitable
	writerDone   chan struct{}
	readerDone   chan struct{}
	closed       *channels.SignalAwaitable
}

var _ base.Channel = (*tcpChannel)(nil)
var _ base.PendingDiscarder = (*tcpChannel)(nil)

// newTCPChannel wraps an established connection and starts its reader and writer
func newTCPChannel(parentLogger logger.Logger, conn net.Conn, handler base.ChannelHandler, options Options) *tcpChannel {
	ch := &tcpChannel{
		logger:        parentLogger,
		conn:          conn,
		remoteAddr:    conn.RemoteAddr().String(),
		handler:       handler,
		highWaterMark: options.WriteBufferHighWaterMark,
		lowWaterMark:  options.WriteBufferLowWaterMark,
		writeTimeout:  options.WriteTimeout,
		pending:       make([][]byte, 0, 64),
		wakeup:        make(chan struct{}, 1),
		closeRequest:  channels.NewSignalAwaitable(),
		writerDone:    make(chan struct{}),
		readerDone:    make(chan struct{}),
		closed:        channels.NewSignalAwaitable(),
	}
	ch.writable.Store(true)
	ch.open.Store(true)
	go ch.runWriter()
	go ch.runReader()
	return ch
}

func (ch *tcpChannel) RemoteAddr() string {
	return ch.remoteAddr
}

func (ch *tcpChannel) IsOpen() bool {
	return ch.open.Load()
}

func (ch *tcpChannel) IsBound() bool {
	return ch.open.Load()
}

func (ch *tcpChannel) IsConnected() bool {
	return ch.open.Load() && !ch.peerClosed.Load()
}

// IsWritable returns false after pending bytes exceed the high watermark, until they drop below the low watermark
func (ch *tcpChannel) IsWritable() bool {
	return ch.writable.Load()
}

// Write queues data to be flushed in background. The data must not be modified afterwards.
func (ch *tcpChannel) Write(data []byte) error {
	ch.mutex.Lock()
	if ch.closing {
		ch.mutex.Unlock()
		return fmt.Errorf("write to %s: %w", ch.remoteAddr, base.ErrClosed)
	}
	ch.pending = append(ch.pending, data)
	ch.pendingBytes += len(data)
	if ch.pendingBytes > ch.highWaterMark {
		ch.writable.Store(false)
	}
	ch.mutex.Unlock()

	select {
	case ch.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// DiscardPending drops queued writes that haven't been flushed, returns the number of them
func (ch *tcpChannel) DiscardPending(cause error) int {
	ch.mutex.Lock()
	num := len(ch.pending)
	for _, data := range ch.pending {
		ch.pendingBytes -= len(data)
	}
	ch.pending = ch.pending[:0]
	ch.discarded = true
	ch.updateWritableLocked()
	ch.mutex.Unlock()

	if num > 0 {
		ch.logger.Infof("discarded %d pending writes: %v", num, cause)
	}
	return num
}

// Close starts closing. Pending writes are flushed unless discarded.
func (ch *tcpChannel) Close() channels.Awaitable {
	ch.closeOnce.Do(func() {
		ch.mutex.Lock()
		ch.closing = true
		discarded := ch.discarded
		ch.mutex.Unlock()
		ch.open.Store(false)
		ch.closeRequest.Signal()
		if discarded {
			// abort in-flight write
			_ = ch.conn.SetWriteDeadline(time.Now())
		}

		go func() {
			<-ch.writerDone
			if err := ch.conn.Close(); err != nil && !util.IsNetworkClosed(err) {
				ch.logger.Warn("error closing connection: ", err)
			}
			<-ch.readerDone
			ch.logger.Debug("channel closed")
			ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelClosed, Channel: ch})
			ch.closed.Signal()
		}()
	})
	return ch.closed
}

func (ch *tcpChannel) runWriter() {
	defer close(ch.writerDone)
	batch := make([][]byte, 0, 64)
	for {
		select {
		case <-ch.wakeup:
		case <-ch.closeRequest.Channel():
			ch.mutex.Lock()
			skip := ch.discarded
			ch.mutex.Unlock()
			if !skip {
				ch.flush(batch[:0]) // final
			}
			return
		}
		if !ch.flush(batch[:0]) {
			return
		}
	}
}

// flush writes everything pending, returns false on error
func (ch *tcpChannel) flush(batch [][]byte) bool {
	ch.mutex.Lock()
	batch = append(batch, ch.pending...)
	ch.pending = ch.pending[:0]
	ch.mutex.Unlock()
	if len(batch) == 0 {
		return true
	}

	total := 0
	for _, data := range batch {
		total += len(data)
	}
	if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
		ch.logger.Debug("failed to set write deadline: ", err)
	}
	bufs := net.Buffers(batch)
	_, err := bufs.WriteTo(ch.conn)

	ch.mutex.Lock()
	ch.pendingBytes -= total
	ch.updateWritableLocked()
	ch.mutex.Unlock()

	if err != nil {
		if !ch.closeRequest.Peek() {
			ch.fireError(err)
			ch.Close()
		}
		return false
	}
	return true
}

func (ch *tcpChannel) updateWritableLocked() {
	if !ch.writable.Load() && ch.pendingBytes < ch.lowWaterMark {
		ch.writable.Store(true)
	}
}

func (ch *tcpChannel) runReader() {
	defer close(ch.readerDone)
	buf := make([]byte, readBufferSize)
	for {
		_, err := ch.conn.Read(buf)
		if err == nil {
			continue
		}
		if ch.closeRequest.Peek() {
			return
		}
		ch.fireError(err)
		ch.Close()
		return
	}
}

func (ch *tcpChannel) fireError(err error) {
	if errors.Is(err, io.EOF) {
		ch.logger.Info("closed by peer")
		ch.peerClosed.Store(true)
		ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelPeerClosed, Channel: ch})
		return
	}
	ch.logger.Warn("I/O error: ", err)
	ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelException, Channel: ch, Cause: err})
}
