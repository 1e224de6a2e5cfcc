package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/bus/memory"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/heartbeat"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/metrics"
	"github.com/stretchr/testify/require"
)

// frameWriter is a ResponseWriter that hands every Write to a channel.
type frameWriter struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	frames  chan string
	failing bool
}

func newFrameWriter() *frameWriter {
	return &frameWriter{header: make(http.Header), frames: make(chan string, 100)}
}

func (w *frameWriter) Header() http.Header {
	return w.header
}

func (w *frameWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	failing := w.failing
	w.mu.Unlock()
	if failing {
		return 0, errors.New("broken pipe")
	}
	w.frames <- string(p)
	return len(p), nil
}

func (w *frameWriter) Flush() {}

func (w *frameWriter) fail() {
	w.mu.Lock()
	w.failing = true
	w.mu.Unlock()
}

func (w *frameWriter) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("Expectation: a frame, Received: nothing")
		return ""
	}
}

func (w *frameWriter) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-w.frames:
		t.Fatal("Expectation: no frame, Received:", f)
	case <-time.After(50 * time.Millisecond):
	}
}

type env struct {
	bus     *bus.Bus
	signer  *cursor.Signer
	monitor *heartbeat.Monitor
	metrics *metrics.Metrics
	opts    Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer, err := cursor.NewSigner([]byte("test-key"))
	require.NoError(t, err)
	m := metrics.New(nil)
	b := bus.New(memory.New(0), nil, m)
	t.Cleanup(func() { _ = b.Close() })
	mon := heartbeat.New(heartbeat.DefaultConfig(), nil, m)

	return &env{
		bus:     b,
		signer:  signer,
		monitor: mon,
		metrics: m,
		opts: Options{
			Signer:  signer,
			Monitor: mon,
			Filter:  ExcludeListed,
			Metrics: m,
		},
	}
}

func (e *env) publish(t *testing.T, key, value string) uint64 {
	t.Helper()
	seq, err := e.bus.Publish(&message.Message{Key: key, Value: message.PreEncoded([]byte(value))})
	require.NoError(t, err)
	return seq
}

type lineWriter struct {
	lines *[]string
}

func (w lineWriter) Write(p []byte) (int, error) {
	*w.lines = append(*w.lines, strings.TrimSpace(string(p)))
	return len(p), nil
}

func newCaptureLogger(lines *[]string) *slog.Logger {
	return slog.New(slog.NewTextHandler(lineWriter{lines: lines}, nil))
}
