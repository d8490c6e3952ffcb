package tcpchannel

import (
	"context"
	"errors"
	"sync"

	"github.com/relex/gotils/channels"
	"github.com/relex/slog-relay/base"
)

var errNotCompleted = errors.New("connect not completed")

// connectFuture is completed exactly once, by the connect task or by Cancel
type connectFuture struct {
	ctx     context.Context // cancelled when the future completes
	cancel  context.CancelFunc
	done    *channels.SignalAwaitable
	once    sync.Once
	channel base.Channel
	err     error
}

func newConnectFuture() *connectFuture {
	ctx, cancel := context.WithCancel(context.Background())
	return &connectFuture{
		ctx:    ctx,
		cancel: cancel,
		done:   channels.NewSignalAwaitable(),
	}
}

func (future *connectFuture) Done() channels.Awaitable {
	return future.done
}

func (future *connectFuture) Result() (base.Channel, error) {
	if !future.done.Peek() {
		return nil, errNotCompleted
	}
	return future.channel, future.err
}

func (future *connectFuture) Cancel() bool {
	return future.complete(nil, base.NewCancelledError("connect", context.Canceled))
}

// complete sets the result if the future isn't completed yet, returns false otherwise
func (future *connectFuture) complete(channel base.Channel, err error) bool {
	completed := false
	future.once.Do(func() {
		future.channel = channel
		future.err = err
		completed = true
		future.cancel()
		future.done.Signal()
	})
	return completed
}
