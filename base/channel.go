package base

import (
	"github.com/relex/gotils/channels"
)

// Channel is one live outbound connection to a remote peer
//
// Write must not block on the network: data is queued and flushed in background. IsWritable tells whether the
// amount of queued data is below the channel's high watermark.
type Channel interface {
	RemoteAddr() string
	IsOpen() bool
	IsBound() bool
	IsConnected() bool
	IsWritable() bool
	Write(data []byte) error

	// Close starts closing the channel and returns an Awaitable signaled when it's fully closed
	//
	// Close may be called more than once; later calls return the same Awaitable
	Close() channels.Awaitable
}

// PendingDiscarder is optionally implemented by a Channel to drop queued but unflushed writes
type PendingDiscarder interface {
	DiscardPending(cause error) int
}

// ConnectFuture is the result of an asynchronous connect operation
type ConnectFuture interface {
	// Done is signaled when the operation has succeeded, failed or been cancelled
	Done() channels.Awaitable

	// Result returns the connected channel or the failure. It's only valid after Done is signaled.
	Result() (Channel, error)

	// Cancel aborts the operation if it has not completed yet, returns true if it was aborted by this call
	Cancel() bool
}

// ChannelFactory creates outbound channels
type ChannelFactory interface {
	// Connect starts connecting to the given address in background
	//
	// The handler receives state changes of the resulting channel on the factory's own goroutines.
	Connect(address string, handler ChannelHandler) ConnectFuture

	// ReleaseExternalResources stops background workers owned by the factory. It may be called more than once.
	ReleaseExternalResources()
}

// ChannelEventKind is the type of a state change of a Channel
type ChannelEventKind int

// Kinds of ChannelEvent
const (
	ChannelOpened     ChannelEventKind = iota // connected and ready
	ChannelPeerClosed                         // closed by the remote side
	ChannelException                          // I/O error, see Cause
	ChannelClosed                             // fully closed, either locally or after one of the above
)

func (kind ChannelEventKind) String() string {
	switch kind {
	case ChannelOpened:
		return "opened"
	case ChannelPeerClosed:
		return "peer-closed"
	case ChannelException:
		return "exception"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelEvent is a notification of a state change
type ChannelEvent struct {
	Kind    ChannelEventKind
	Channel Channel
	Cause   error // set for ChannelException
}

// ChannelHandler receives ChannelEvent(s)
//
// Implementations must return promptly; they're called from I/O goroutines.
type ChannelHandler interface {
	HandleChannelEvent(evt ChannelEvent)
}
