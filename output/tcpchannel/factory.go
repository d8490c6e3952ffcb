// Package tcpchannel provides outbound TCP channels with non-blocking writes and asynchronous state notifications
package tcpchannel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/util"
)

// Factory connects channels on a bounded pool of goroutines
type Factory struct {
	logger  logger.Logger
	options Options
	pool    *util.TaskPool
	release util.RunOnce
}

var _ base.ChannelFactory = (*Factory)(nil)

// NewFactory creates a Factory and starts its pool
func NewFactory(parentLogger logger.Logger, options Options) (*Factory, error) {
	if err := options.Verify(); err != nil {
		return nil, err
	}
	factory := &Factory{
		logger:  parentLogger.WithField(defs.LabelComponent, "TCPChannelFactory"),
		options: options,
		pool:    util.NewTaskPool(options.IOWorkers, options.IOQueueSize),
	}
	factory.release = util.NewRunOnce(func() {
		factory.logger.Infof("release IO pool, rejected tasks=%d", factory.pool.Dropped())
		factory.pool.Shutdown()
	})
	return factory, nil
}

// Connect starts connecting in background
//
// The future fails with base.ErrRejected if the pool is full or released
func (factory *Factory) Connect(address string, handler base.ChannelHandler) base.ConnectFuture {
	future := newConnectFuture()
	if !factory.pool.Submit(func() { factory.connect(future, address, handler) }) {
		future.complete(nil, &base.ConnectError{Address: address, Cause: base.ErrRejected})
	}
	return future
}

// ReleaseExternalResources stops the pool, may be called more than once
//
// It must not be called from a connect callback (ChannelOpened)
func (factory *Factory) ReleaseExternalResources() {
	factory.release()
}

func (factory *Factory) connect(future *connectFuture, address string, handler base.ChannelHandler) {
	if future.Done().Peek() {
		return // cancelled while queued
	}
	connLogger := factory.logger.WithField(defs.LabelRemote, address)

	ctx, cancel := context.WithTimeout(future.ctx, factory.options.ConnectTimeout)
	defer cancel()

	conn, err := factory.dial(ctx, connLogger, address)
	if err != nil {
		future.complete(nil, &base.ConnectError{Address: address, Cause: err})
		return
	}

	if len(factory.options.Secret) > 0 {
		success, reason, herr := forwardprotocol.DoClientHandshake(conn, factory.options.Secret, factory.options.ConnectTimeout)
		if herr != nil || !success {
			if err := conn.Close(); err != nil && !util.IsNetworkClosed(err) {
				connLogger.Warn("error closing connection: ", err)
			}
			if herr != nil {
				err = fmt.Errorf("failed to handshake due to error: %w", herr)
			} else {
				err = fmt.Errorf("failed to handshake due to authentication: %s", reason)
			}
			future.complete(nil, &base.ConnectError{Address: address, Cause: err})
			return
		}
	}

	connLogger = connLogger.WithField(defs.LabelLocal, conn.LocalAddr().String())
	ch := newTCPChannel(connLogger, conn, handler, factory.options)
	if !future.complete(ch, nil) {
		connLogger.Info("connect cancelled after connection established")
		ch.Close()
		return
	}
	connLogger.Info("connected")
	handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelOpened, Channel: ch})
}

func (factory *Factory) dial(ctx context.Context, connLogger logger.Logger, address string) (net.Conn, error) {
	netDialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if factory.options.TLS {
		connLogger.Infof("connecting to %s in TLS mode", address)
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config:    &tls.Config{InsecureSkipVerify: true}, // #nosec G402
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		connLogger.Infof("connecting to %s in TCP mode", address)
		conn, err = netDialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	var tcpConn *net.TCPConn
	switch c := conn.(type) {
	case *net.TCPConn:
		tcpConn = c
	case *tls.Conn:
		tcpConn, _ = c.NetConn().(*net.TCPConn)
	}
	if tcpConn != nil {
		factory.tuneConnection(connLogger, tcpConn)
	}
	return conn, nil
}

func (factory *Factory) tuneConnection(connLogger logger.Logger, conn *net.TCPConn) {
	options := factory.options
	if err := conn.SetNoDelay(options.TCPNoDelay); err != nil {
		connLogger.Warn("error setting TCP_NODELAY: ", err)
	}
	if options.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(options.SendBufferSize); err != nil {
			connLogger.Warn("error setting send buffer size: ", err)
		}
	}
	if options.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(options.ReceiveBufferSize); err != nil {
			connLogger.Warn("error setting receive buffer size: ", err)
		}
	}
	if sendSize, recvSize, err := util.GetTCPBufferSizes(conn); err != nil {
		connLogger.Debug("error reading buffer sizes: ", err)
	} else {
		connLogger.Debugf("TCP buffer sizes: send=%d receive=%d", sendSize, recvSize)
	}
}
