package tcplistener

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollector() (base.EventCallback, <-chan *base.Event) {
	out := make(chan *base.Event, 100)
	return func(ctx context.Context, evt *base.Event) error {
		select {
		case out <- evt:
			return nil
		case <-ctx.Done():
			return base.NewCancelledError("collect", ctx.Err())
		}
	}, out
}

func readEvent(ch <-chan *base.Event) string {
	select {
	case evt := <-ch:
		return string(evt.Body)
	case <-time.After(defs.TestReadTimeout):
		return "<timeout>"
	}
}

func TestLineListener(t *testing.T) {
	const line1 = "2019-08-15T15:50:46 first"
	const line2 = "2019-08-16T15:50:46 second"
	const line3 = "2019-08-16T15:50:46 end"
	rlogger := logger.WithField("test", t.Name())
	onEvent, out := newCollector()

	lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 100}, onEvent)
	require.Nil(t, err)
	assert.NotEqual(t, "localhost:0", lsnr.Address())
	require.Nil(t, lsnr.Start())
	assert.Error(t, lsnr.Start())

	conn, err := net.Dial("tcp", lsnr.Address())
	require.Nil(t, err)
	_, err = conn.Write([]byte(line1 + "\n" + line2 + "\n"))
	assert.Nil(t, err)
	assert.Equal(t, line1, readEvent(out))
	assert.Equal(t, line2, readEvent(out))
	_, err = conn.Write([]byte(line3)) // no newline end - close should force flushing
	assert.Nil(t, err)
	assert.Nil(t, conn.Close())
	assert.Equal(t, line3, readEvent(out))

	assert.Nil(t, lsnr.Close(context.Background()))
	assert.True(t, lsnr.Stopped().Wait(defs.TestReadTimeout))
}

func TestLineListenerCloseFlushesConnections(t *testing.T) {
	const line1 = "2019-08-15T15:50:46 abc"
	const line2 = "2019-08-15T15:50:46 def"
	rlogger := logger.WithField("test", t.Name())
	onEvent, out := newCollector()

	lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 100}, onEvent)
	require.Nil(t, err)
	require.Nil(t, lsnr.Start())
	conn, err := net.Dial("tcp", lsnr.Address())
	require.Nil(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line1 + "\n"))
	assert.Nil(t, err)
	assert.Equal(t, line1, readEvent(out))
	_, err = conn.Write([]byte(line2)) // no newline end - close should force flushing
	assert.Nil(t, err)
	time.Sleep(200 * time.Millisecond)

	assert.Nil(t, lsnr.Close(context.Background()))
	assert.Equal(t, line2, readEvent(out))
}

func TestLineListenerMultiLine(t *testing.T) {
	rlogger := logger.WithField("test", t.Name())
	onEvent, out := newCollector()
	config := Config{
		Address:         "localhost:0",
		MaxMessageBytes: 100,
		RecordStart: func(line []byte) bool {
			return !bytes.HasPrefix(line, []byte(" "))
		},
	}
	lsnr, err := NewLineListener(rlogger, config, onEvent)
	require.Nil(t, err)
	require.Nil(t, lsnr.Start())
	defer lsnr.Close(context.Background())

	conn, err := net.Dial("tcp", lsnr.Address())
	require.Nil(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ERROR failed\n  at a.go:1\n  at b.go:2\nINFO next\n"))
	assert.Nil(t, err)
	assert.Equal(t, "ERROR failed\n  at a.go:1\n  at b.go:2", readEvent(out))
	// completed by read timeout
	assert.Equal(t, "INFO next", readEvent(out))
}

func TestLineListenerOversized(t *testing.T) {
	rlogger := logger.WithField("test", t.Name())

	t.Run("truncate", func(tt *testing.T) {
		onEvent, out := newCollector()
		lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 10, Truncate: true}, onEvent)
		require.Nil(tt, err)
		require.Nil(tt, lsnr.Start())
		defer lsnr.Close(context.Background())

		conn, err := net.Dial("tcp", lsnr.Address())
		require.Nil(tt, err)
		defer conn.Close()
		_, err = conn.Write([]byte("0123456789ABCDEF\nshort\n"))
		assert.Nil(tt, err)
		assert.Equal(tt, "0123456789", readEvent(out))
		assert.Equal(tt, "short", readEvent(out))
	})

	t.Run("drop", func(tt *testing.T) {
		onEvent, out := newCollector()
		lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 10}, onEvent)
		require.Nil(tt, err)
		require.Nil(tt, lsnr.Start())
		defer lsnr.Close(context.Background())

		conn, err := net.Dial("tcp", lsnr.Address())
		require.Nil(tt, err)
		defer conn.Close()
		_, err = conn.Write([]byte("0123456789ABCDEF\nshort\n"))
		assert.Nil(tt, err)
		assert.Equal(tt, "short", readEvent(out))
	})
}

func TestLineListenerCancelBlockedCallback(t *testing.T) {
	defs.EnableTestMode()
	rlogger := logger.WithField("test", t.Name())

	blocked := make(chan struct{}, 10)
	onEvent := func(ctx context.Context, evt *base.Event) error {
		blocked <- struct{}{}
		<-ctx.Done()
		return base.NewCancelledError("enqueue", ctx.Err())
	}
	lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 100}, onEvent)
	require.Nil(t, err)
	require.Nil(t, lsnr.Start())

	conn, err := net.Dial("tcp", lsnr.Address())
	require.Nil(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("stuck\n"))
	assert.Nil(t, err)

	select {
	case <-blocked:
	case <-time.After(defs.TestReadTimeout):
		t.Fatal("callback not invoked")
	}

	start := time.Now()
	assert.Nil(t, lsnr.Close(context.Background()))
	assert.Less(t, time.Since(start), defs.ListenerStopTimeout+defs.TestReadTimeout)
	assert.True(t, lsnr.Stopped().Wait(defs.TestReadTimeout))
}

func TestLineListenerCloseWithoutStart(t *testing.T) {
	onEvent, _ := newCollector()
	lsnr, err := NewLineListener(logger.Root(), Config{Address: "localhost:0", MaxMessageBytes: 100}, onEvent)
	require.Nil(t, err)
	assert.Nil(t, lsnr.Close(context.Background()))
	assert.True(t, lsnr.Stopped().Wait(defs.TestReadTimeout))
	assert.Error(t, lsnr.Start())

	_, err = NewLineListener(logger.Root(), Config{Address: "localhost:0"}, onEvent)
	assert.Error(t, err)
}

func TestLineListenerCloseWithContext(t *testing.T) {
	rlogger := logger.WithField("test", t.Name())

	blocked := make(chan struct{}, 10)
	onEvent := func(ctx context.Context, evt *base.Event) error {
		blocked <- struct{}{}
		<-ctx.Done()
		return base.NewCancelledError("enqueue", ctx.Err())
	}
	lsnr, err := NewLineListener(rlogger, Config{Address: "localhost:0", MaxMessageBytes: 100}, onEvent)
	require.Nil(t, err)
	require.Nil(t, lsnr.Start())

	conn, err := net.Dial("tcp", lsnr.Address())
	require.Nil(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("stuck\n"))
	assert.Nil(t, err)

	select {
	case <-blocked:
	case <-time.After(defs.TestReadTimeout):
		t.Fatal("callback not invoked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Nil(t, lsnr.Close(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, lsnr.Stopped().Peek())
}
