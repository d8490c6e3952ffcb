package transceiver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/slog-relay/base"
)

type mockChannel struct {
	handler   base.ChannelHandler
	open      atomic.Bool
	connected atomic.Bool
	writable  atomic.Bool
	writes    atomic.Int64
	discarded atomic.Int64
	closeOnce sync.Once
	closed    *channels.SignalAwaitable
}

func newMockChannel(handler base.ChannelHandler, writable bool) *mockChannel {
	ch := &mockChannel{handler: handler, closed: channels.NewSignalAwaitable()}
	ch.open.Store(true)
	ch.connected.Store(true)
	ch.writable.Store(writable)
	return ch
}

func (ch *mockChannel) RemoteAddr() string { return "mock:1" }
func (ch *mockChannel) IsOpen() bool       { return ch.open.Load() }
func (ch *mockChannel) IsBound() bool      { return ch.open.Load() }
func (ch *mockChannel) IsConnected() bool  { return ch.open.Load() && ch.connected.Load() }
func (ch *mockChannel) IsWritable() bool   { return ch.writable.Load() }

func (ch *mockChannel) Write(data []byte) error {
	if !ch.open.Load() {
		return base.ErrClosed
	}
	ch.writes.Add(1)
	return nil
}

func (ch *mockChannel) DiscardPending(cause error) int {
	ch.discarded.Add(1)
	return 0
}

func (ch *mockChannel) Close() channels.Awaitable {
	ch.closeOnce.Do(func() {
		ch.open.Store(false)
		go func() {
			ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelClosed, Channel: ch})
			ch.closed.Signal()
		}()
	})
	return ch.closed
}

func (ch *mockChannel) simulatePeerClose() {
	ch.connected.Store(false)
	ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelPeerClosed, Channel: ch})
}

func (ch *mockChannel) simulateException(err error) {
	ch.handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelException, Channel: ch, Cause: err})
}

type mockFuture struct {
	once    sync.Once
	done    *channels.SignalAwaitable
	channel base.Channel
	err     error
}

func (future *mockFuture) Done() channels.Awaitable { return future.done }

func (future *mockFuture) Result() (base.Channel, error) { return future.channel, future.err }

func (future *mockFuture) Cancel() bool {
	return future.complete(nil, base.NewCancelledError("connect", base.ErrClosed))
}

func (future *mockFuture) complete(ch base.Channel, err error) bool {
	completed := false
	future.once.Do(func() {
		future.channel = ch
		future.err = err
		completed = true
		future.done.Signal()
	})
	return completed
}

// mockFactory completes connect attempts after a delay, with a new channel or the configured failure
type mockFactory struct {
	mutex    sync.Mutex
	delay    time.Duration
	hang     bool // never complete unless cancelled
	fail     error
	writable bool
	channels []*mockChannel
	connects atomic.Int64
	releases atomic.Int64
}

func newMockFactory() *mockFactory {
	return &mockFactory{writable: true}
}

func (factory *mockFactory) configure(delay time.Duration, hang bool, fail error) {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	factory.delay = delay
	factory.hang = hang
	factory.fail = fail
}

func (factory *mockFactory) Connect(address string, handler base.ChannelHandler) base.ConnectFuture {
	factory.connects.Add(1)
	factory.mutex.Lock()
	delay, hang, fail, writable := factory.delay, factory.hang, factory.fail, factory.writable
	factory.mutex.Unlock()

	future := &mockFuture{done: channels.NewSignalAwaitable()}
	if hang {
		return future
	}
	go func() {
		time.Sleep(delay)
		if fail != nil {
			future.complete(nil, &base.ConnectError{Address: address, Cause: fail})
			return
		}
		ch := newMockChannel(handler, writable)
		factory.mutex.Lock()
		factory.channels = append(factory.channels, ch)
		factory.mutex.Unlock()
		if !future.complete(ch, nil) {
			return
		}
		handler.HandleChannelEvent(base.ChannelEvent{Kind: base.ChannelOpened, Channel: ch})
	}()
	return future
}

func (factory *mockFactory) ReleaseExternalResources() {
	factory.releases.Add(1)
}

func (factory *mockFactory) lastChannel() *mockChannel {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	if len(factory.channels) == 0 {
		return nil
	}
	return factory.channels[len(factory.channels)-1]
}

func (factory *mockFactory) numChannels() int {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	return len(factory.channels)
}
