package queuesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/queue"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	onEvent base.EventCallback
	started atomic.Bool
	closed  atomic.Bool
}

func (lsnr *fakeListener) Start() error {
	lsnr.started.Store(true)
	return nil
}

func (lsnr *fakeListener) Close(ctx context.Context) error {
	lsnr.closed.Store(true)
	return nil
}

func (lsnr *fakeListener) push(ctx context.Context, body string) error {
	return lsnr.onEvent(ctx, &base.Event{Timestamp: time.Now(), Body: []byte(body)})
}

func newTestSource(t *testing.T, queueSize int, maxCloseSleep time.Duration) (*Source, *fakeListener) {
	lsnr := &fakeListener{}
	src, err := New(logger.WithField("test", t.Name()), Config{
		Name:            "test",
		Port:            5170,
		QueueSize:       queueSize,
		MaxCloseSleep:   maxCloseSleep,
		MaxMessageBytes: 100,
	}, func(parentLogger logger.Logger, config Config, onEvent base.EventCallback) (base.EventListener, error) {
		lsnr.onEvent = onEvent
		return lsnr, nil
	})
	require.Nil(t, err)
	return src, lsnr
}

// loggedCount returns the number of logs written so far at the given level by loggers of the given component
func loggedCount(t *testing.T, component string, level logger.LogLevel) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	require.Nil(t, err)
	for _, family := range families {
		if family.GetName() != "logger_logs_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels[defs.LabelComponent] == component && labels["level"] == string(level) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func nextBody(t *testing.T, src *Source) string {
	evt, err := src.Next(context.Background())
	require.Nil(t, err)
	return string(evt.Body)
}

func TestSourceFIFO(t *testing.T) {
	src, lsnr := newTestSource(t, 10, time.Second)
	require.Nil(t, src.Open())
	assert.True(t, lsnr.started.Load())

	bodies := lo.Times(10, func(i int) string { return fmt.Sprintf("event-%d", i) })
	for _, b := range bodies {
		require.Nil(t, lsnr.push(context.Background(), b))
	}
	for _, b := range bodies[:7] {
		assert.Equal(t, b, nextBody(t, src))
	}

	report := src.Report()
	assert.Equal(t, "test", report.Name)
	expectValue := func(name string, value int) {
		v, ok := report.Get(name)
		assert.True(t, ok, name)
		assert.EqualValues(t, value, v, name)
	}
	expectValue(ReportServerPort, 5170)
	expectValue(ReportQueueCapacity, 3)
	expectValue(ReportQueueFree, 7)
	expectValue(ReportEnqueued, 10)
	expectValue(ReportDequeued, 7)
	expectValue(ReportBytesIn, lo.SumBy(bodies, func(b string) int { return len(b) }))
	expectValue(base.ReportEvents, 7)
	expectValue(base.ReportBytes, lo.SumBy(bodies[:7], func(b string) int { return len(b) }))

	for _, b := range bodies[7:] {
		assert.Equal(t, b, nextBody(t, src))
	}
	assert.Nil(t, src.Close(context.Background()))
	assert.True(t, lsnr.closed.Load())
}

func TestSourceEnqueueBlocksWhenFull(t *testing.T) {
	src, lsnr := newTestSource(t, 2, time.Second)
	require.Nil(t, src.Open())
	require.Nil(t, lsnr.push(context.Background(), "a"))
	require.Nil(t, lsnr.push(context.Background(), "b"))

	pushed := make(chan error, 1)
	go func() {
		pushed <- lsnr.push(context.Background(), "c")
	}()
	select {
	case <-pushed:
		t.Fatal("enqueue should block on full queue")
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, "a", nextBody(t, src))
	assert.Nil(t, <-pushed)
	assert.Equal(t, "b", nextBody(t, src))
	assert.Equal(t, "c", nextBody(t, src))

	v, _ := src.Report().Get(ReportEnqueued)
	assert.EqualValues(t, 3, v)
}

func TestSourceEnqueueCancelled(t *testing.T) {
	src, lsnr := newTestSource(t, 1, time.Second)
	require.Nil(t, src.Open())
	require.Nil(t, lsnr.push(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := lsnr.push(ctx, "b")
	assert.ErrorIs(t, err, base.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, _ := src.Report().Get(ReportEnqueued)
	assert.EqualValues(t, 1, v)
}

func TestSourceNextCancelled(t *testing.T) {
	src, _ := newTestSource(t, 1, time.Second)
	require.Nil(t, src.Open())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, base.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSourceNextOnClosed(t *testing.T) {
	src, _ := newTestSource(t, 1, time.Second)

	// not opened yet
	start := time.Now()
	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSourceCloseDrains(t *testing.T) {
	src, lsnr := newTestSource(t, 100, 500*time.Millisecond)
	require.Nil(t, src.Open())
	for i := 0; i < 50; i++ {
		require.Nil(t, lsnr.push(context.Background(), fmt.Sprint(i)))
	}

	received := make(chan []string, 1)
	go func() {
		bodies := make([]string, 0, 50)
		for {
			evt, err := src.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			time.Sleep(20 * time.Millisecond) // slower than drain interval, but always progressing
			bodies = append(bodies, string(evt.Body))
		}
		received <- bodies
	}()

	assert.Nil(t, src.Close(context.Background()))
	assert.Equal(t, 0, src.queue.Len())
	assert.True(t, src.isClosed())

	select {
	case bodies := <-received:
		assert.Equal(t, lo.Times(50, func(i int) string { return fmt.Sprint(i) }), bodies)
	case <-time.After(defs.TestReadTimeout):
		t.Fatal("consumer didn't see end of stream")
	}
}

func TestSourceCloseAbandonsStalledQueue(t *testing.T) {
	src, lsnr := newTestSource(t, 10, 300*time.Millisecond)
	require.Nil(t, src.Open())
	for i := 0; i < 3; i++ {
		require.Nil(t, lsnr.push(context.Background(), "x"))
	}

	warnings := loggedCount(t, "QueueSource", logger.WarnLevel)
	start := time.Now()
	assert.Nil(t, src.Close(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 3, src.queue.Len())
	assert.True(t, src.isClosed())
	assert.Equal(t, warnings+1, loggedCount(t, "QueueSource", logger.WarnLevel), "abandoned queue is warned")
}

func TestSourceCloseWithBlockedProducer(t *testing.T) {
	src, err := New(logger.WithField("test", t.Name()), Config{
		Name:            "blocked",
		Host:            "localhost",
		Port:            0,
		QueueSize:       1,
		MaxCloseSleep:   300 * time.Millisecond,
		MaxMessageBytes: 100,
	}, NewTCPLineListener)
	require.Nil(t, err)
	require.Nil(t, src.Open())

	conn, err := net.Dial("tcp", src.ListenerAddress())
	require.Nil(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("first\nsecond\nthird\n"))
	assert.Nil(t, err)
	assert.Eventually(t, func() bool { return src.enqueued.Load() == 1 }, defs.TestReadTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	assert.Nil(t, src.Close(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, src.isClosed())
	assert.Equal(t, 1, src.queue.Len())
	assert.Equal(t, "first", nextBody(t, src))
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSourceCloseCancelled(t *testing.T) {
	src, lsnr := newTestSource(t, 10, time.Minute)
	require.Nil(t, src.Open())
	require.Nil(t, lsnr.push(context.Background(), "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := src.Close(ctx)
	assert.ErrorIs(t, err, base.ErrCancelled)
	assert.True(t, src.isClosed())
	assert.True(t, lsnr.closed.Load())
}

func TestSourceLifecycle(t *testing.T) {
	src, _ := newTestSource(t, 10, time.Second)
	assert.Nil(t, src.Close(context.Background()), "close before open")
	require.Nil(t, src.Open())
	assert.ErrorIs(t, src.Open(), base.ErrClosed)
	assert.Nil(t, src.Close(context.Background()))
	assert.Nil(t, src.Close(context.Background()))
	assert.ErrorIs(t, src.Open(), base.ErrClosed)

	_, err := New(logger.Root(), Config{QueueSize: 0, MaxCloseSleep: time.Second}, NewTCPLineListener)
	assert.Error(t, err)
	_, err = New(logger.Root(), Config{QueueSize: 1, Port: 70000, MaxCloseSleep: time.Second}, NewTCPLineListener)
	assert.Error(t, err)
	_, err = NewWithQueue(logger.Root(), Config{MaxCloseSleep: time.Second}, nil, NewTCPLineListener)
	assert.Error(t, err)
}

func TestSourceWithPrefilledQueue(t *testing.T) {
	q := queue.NewBounded[*base.Event](5)
	require.True(t, q.Offer(&base.Event{Body: []byte("early")}))

	src, err := NewWithQueue(logger.Root(), Config{Name: "shared", MaxCloseSleep: time.Second}, q,
		func(parentLogger logger.Logger, config Config, onEvent base.EventCallback) (base.EventListener, error) {
			return &fakeListener{onEvent: onEvent}, nil
		})
	require.Nil(t, err)
	assert.Equal(t, "early", nextBody(t, src))
	v, _ := src.Report().Get(ReportQueueFree)
	assert.EqualValues(t, 5, v)
}

func TestSourceOverTCP(t *testing.T) {
	src, err := New(logger.WithField("test", t.Name()), Config{
		Name:            "tcp",
		Host:            "localhost",
		Port:            0,
		QueueSize:       10,
		MaxCloseSleep:   time.Second,
		Truncate:        true,
		MaxMessageBytes: 5,
	}, NewTCPLineListener)
	require.Nil(t, err)
	require.Nil(t, src.Open())
	_, portText, err := net.SplitHostPort(src.ListenerAddress())
	require.Nil(t, err)
	port, _ := src.Report().Get(ReportServerPort)
	assert.NotZero(t, port)
	assert.Equal(t, portText, fmt.Sprint(port))

	conn, err := net.Dial("tcp", src.ListenerAddress())
	require.Nil(t, err)
	_, err = conn.Write([]byte("hello world\nbye\n"))
	assert.Nil(t, err)

	first := nextBody(t, src)
	assert.Equal(t, "hello", first)
	second := nextBody(t, src)
	assert.Equal(t, "bye", second)
	assert.Nil(t, conn.Close())

	assert.Nil(t, src.Close(context.Background()))
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
