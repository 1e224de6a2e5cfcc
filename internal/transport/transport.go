// Package transport moves envelopes from the bus to clients over
// Server-Sent Events, long polling or websockets, and carries inbound
// records from clients to a Dispatcher.
//
// Every write a transport makes goes through its operation queue, so frames
// triggered concurrently by message delivery, keep-alives and shutdown never
// interleave. A failed write is fatal to the transport: it closes, drops
// what was still queued and leaves the client to reconnect with its last
// cursor token.
package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Automattic/pushhub/internal/bufpool"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/heartbeat"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/metrics"
	"github.com/Automattic/pushhub/internal/opqueue"
)

var (
	ErrAborted      = errors.New("transport: connection aborted")
	ErrShuttingDown = errors.New("transport: server shutting down")
)

// Transport names, as clients pass them in the transport query parameter.
const (
	NameServerSentEvents = "serverSentEvents"
	NameLongPolling      = "longPolling"
	NameWebSockets       = "webSockets"
)

type Transport interface {
	Name() string
	// Initialize writes the transport's preamble, if any.
	Initialize(ctx context.Context) error
	// Send queues one envelope. The cursor of r is filled in when the write
	// runs, from the connection's position at that time.
	Send(r *cursor.Response) *opqueue.Future
	// KeepAlive queues a no-op frame.
	KeepAlive() *opqueue.Future
	SupportsKeepAlive() bool
	// Close ends the transport. Streaming transports disconnect their
	// connection; long polling only ends the current request.
	Close()
	// Abort ends the transport and its connection for good.
	Abort()
	// Done is closed once the transport accepts no more writes.
	Done() <-chan struct{}
	// Wait blocks until a write in progress has returned.
	Wait()
}

// FilterProvider decides which messages a connection must not receive.
type FilterProvider interface {
	Exclude(connID string, m *message.Message) bool
}

// FilterFunc adapts a function to FilterProvider.
type FilterFunc func(connID string, m *message.Message) bool

func (f FilterFunc) Exclude(connID string, m *message.Message) bool {
	return f(connID, m)
}

// ExcludeListed withholds messages from the connections they list in
// Exclude, which is how publishers skip themselves.
var ExcludeListed = FilterFunc(func(connID string, m *message.Message) bool {
	return m.Excludes(connID)
})

// Options are shared by every transport a Manager creates.
type Options struct {
	Signer  *cursor.Signer
	Monitor *heartbeat.Monitor
	Filter  FilterProvider
	// Encoder encodes message values; json.Marshal when nil.
	Encoder func(any) ([]byte, error)

	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for the next websocket frame or pong.
	ReadTimeout   time.Duration
	LongPollDelay time.Duration
	MaxRecordSize int

	// OnDropped is told about messages that were queued for a connection
	// but never written.
	OnDropped func(connID string, dropped []message.Pending)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// base implements the queueing, envelope building and teardown the
// transports share. Transports provide the framing and the write.
type base struct {
	name   string
	conn   *Connection
	opts   Options
	logger *slog.Logger
	queue  *opqueue.Queue

	prefix  []byte
	suffix  []byte
	write   func(frame []byte) error
	closeIO func()

	done     chan struct{}
	doneOnce sync.Once
}

func newBase(ctx context.Context, name string, conn *Connection, opts Options) *base {
	b := &base{
		name:   name,
		conn:   conn,
		opts:   opts,
		logger: opts.logger().With(slog.String("transport", name), slog.String("connection_id", conn.ID())),
		done:   make(chan struct{}),
	}
	b.queue = opqueue.New(ctx, b.dropped)
	return b
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

func (b *base) Wait() {
	b.queue.Wait()
}

func (b *base) Send(r *cursor.Response) *opqueue.Future {
	return b.queue.Enqueue(opqueue.Operation{
		Payload: r,
		Run: func(context.Context) error {
			return b.deliver(r)
		},
	})
}

// writeRaw queues a fixed frame such as a preamble or keep-alive.
func (b *base) writeRaw(frame []byte) *opqueue.Future {
	return b.queue.Enqueue(opqueue.Operation{
		Run: func(context.Context) error {
			if err := b.write(frame); err != nil {
				b.fail(err)
				return err
			}
			b.mark()
			return nil
		},
	})
}

func (b *base) deliver(r *cursor.Response) error {
	var sent int
	exclude := func(m *message.Message) bool {
		return b.opts.Filter != nil && b.opts.Filter.Exclude(b.conn.ID(), m)
	}

	// r.Cursor is where the batch was read from. The token is built on the
	// connection's current cursor.
	from := r.Cursor
	err := bufpool.Frames.With(func(buf *bytes.Buffer) error {
		r.Cursor = b.conn.Cursor()
		buf.Write(b.prefix)
		_, _, err := cursor.Build(buf, r, cursor.Options{
			Signer:  b.opts.Signer,
			Exclude: exclude,
			Encoder: b.opts.Encoder,
		})
		if err != nil {
			return err
		}
		buf.Write(b.suffix)
		return b.write(buf.Bytes())
	})
	if err != nil {
		b.fail(err)
		return err
	}

	for _, p := range r.Messages {
		if p.Message != nil && !p.Message.IsCommand && !exclude(p.Message) {
			sent++
		}
	}
	b.conn.Commit(from, r.Messages)
	b.mark()
	b.opts.Metrics.Incr("messages.sent", int64(sent))

	switch {
	case r.Aborted:
		b.teardown(Aborted)
	case r.Terminal:
		b.finish()
	}
	return nil
}

func (b *base) mark() {
	if b.opts.Monitor != nil {
		b.opts.Monitor.Mark(b.conn)
	}
}

// fail handles a write or serialization error: the transport is finished
// and its connection disconnected.
func (b *base) fail(err error) {
	b.logger.Warn("transport_write_failed", slog.String("error", err.Error()))
	b.opts.Metrics.Incr("transport.failures", 1)
	b.teardown(Disconnected)
}

func (b *base) Close() {
	b.teardown(Disconnected)
}

func (b *base) Abort() {
	b.teardown(Aborted)
}

func (b *base) teardown(state State) {
	b.conn.Transition(state)
	b.finish()
}

// finish stops the transport without touching the connection state.
func (b *base) finish() {
	b.doneOnce.Do(func() {
		close(b.done)
		b.queue.Close()
		if b.closeIO != nil {
			b.closeIO()
		}
	})
}

func (b *base) dropped(payload any) {
	r, ok := payload.(*cursor.Response)
	if !ok {
		return
	}
	var lost []message.Pending
	for _, p := range r.Messages {
		if p.Message != nil && !p.Message.IsCommand {
			lost = append(lost, p)
		}
	}
	if len(lost) == 0 {
		return
	}
	b.opts.Metrics.Incr("messages.dropped", int64(len(lost)))
	b.opts.Metrics.Mark("drops", int64(len(lost)))
	b.logger.Warn("transport_messages_dropped", slog.Int("count", len(lost)))
	if b.opts.OnDropped != nil {
		b.opts.OnDropped(b.conn.ID(), lost)
	}
}
