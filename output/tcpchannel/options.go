package tcpchannel

import (
	"fmt"
	"time"

	"github.com/relex/slog-relay/defs"
)

// Options defines connections made by a Factory
type Options struct {
	ConnectTimeout           time.Duration // for dialing and handshake
	WriteTimeout             time.Duration // for each flush
	TCPNoDelay               bool
	SendBufferSize           int    // OS send buffer, zero to keep system default
	ReceiveBufferSize        int    // OS receive buffer, zero to keep system default
	WriteBufferHighWaterMark int    // pending bytes above which a channel is not writable
	WriteBufferLowWaterMark  int    // pending bytes below which a channel is writable again
	TLS                      bool   // connect in TLS mode, without verifying server certificate
	Secret                   string // shared key for fluentd forward handshake, empty to skip handshake
	IOWorkers                int    // max concurrent connect operations
	IOQueueSize              int    // max queued connect operations, above which new ones are rejected
}

// DefaultOptions returns Options filled with process-wide defaults
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:           defs.TransceiverConnectTimeout,
		WriteTimeout:             defs.TransceiverWriteTimeout,
		TCPNoDelay:               defs.TransceiverTCPNoDelay,
		SendBufferSize:           defs.TransceiverSendBufferSize,
		ReceiveBufferSize:        defs.TransceiverReceiveBufferSize,
		WriteBufferHighWaterMark: defs.TransceiverWriteBufferHighWaterMark,
		WriteBufferLowWaterMark:  defs.TransceiverWriteBufferLowWaterMark,
		IOWorkers:                defs.TransceiverIOWorkers,
		IOQueueSize:              defs.TransceiverIOQueueSize,
	}
}

// Verify checks the options for invalid values
func (options Options) Verify() error {
	if options.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive: %s", options.ConnectTimeout)
	}
	if options.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %s", options.WriteTimeout)
	}
	if options.SendBufferSize < 0 || options.ReceiveBufferSize < 0 {
		return fmt.Errorf("buffer sizes cannot be negative: send=%d receive=%d", options.SendBufferSize, options.ReceiveBufferSize)
	}
	if options.WriteBufferLowWaterMark <= 0 || options.WriteBufferHighWaterMark < options.WriteBufferLowWaterMark {
		return fmt.Errorf("invalid write buffer watermarks: low=%d high=%d",
			options.WriteBufferLowWaterMark, options.WriteBufferHighWaterMark)
	}
	if options.IOWorkers <= 0 || options.IOQueueSize <= 0 {
		return fmt.Errorf("invalid IO pool: workers=%d queue=%d", options.IOWorkers, options.IOQueueSize)
	}
	return nil
}
