package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/chunk"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/opqueue"
	"github.com/Automattic/pushhub/internal/ratelimit"
	"github.com/google/uuid"
)

var (
	ErrRateLimited  = errors.New("transport: rate limited")
	ErrUnknownConn  = errors.New("transport: unknown connection")
	ErrInvalidTopic = errors.New("transport: invalid topic")
)

type ManagerConfig struct {
	MaxBatch        int
	LongPollTimeout time.Duration
}

// Request identifies the client behind a connect or poll.
type Request struct {
	ConnectionID string
	Topics       []string
	// Token is the last cursor token the client received.
	Token       string
	GroupsToken string
}

// Manager opens connections, runs their transports and tears them down on
// shutdown.
type Manager struct {
	cfg        ManagerConfig
	opts       Options
	bus        *bus.Bus
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	closing atomic.Bool
	active  sync.WaitGroup
}

// NewManager needs opts.Signer and opts.Monitor. A nil dispatcher publishes
// inbound records to b.
func NewManager(cfg ManagerConfig, opts Options, b *bus.Bus, d Dispatcher, limiter *ratelimit.Limiter) *Manager {
	if opts.Filter == nil {
		opts.Filter = ExcludeListed
	}
	if d == nil {
		d = PublishDispatcher{Bus: b}
	}
	return &Manager{
		cfg:        cfg,
		opts:       opts,
		bus:        b,
		dispatcher: d,
		limiter:    limiter,
		logger:     opts.logger(),
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// Open creates a connection for req, resuming from its tokens. A token
// that does not verify resumes from the earliest retained messages; a
// missing one starts at the newest.
func (m *Manager) Open(req Request) (*Connection, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}
	for _, topic := range req.Topics {
		if _, err := bus.TopicKey(topic); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	id := req.ConnectionID
	if id == "" {
		id = uuid.NewString()
	}

	groups, err := m.opts.Signer.DecodeGroups(req.GroupsToken)
	if err != nil {
		m.logger.Warn("groups_token_invalid", slog.String("connection_id", id))
		groups = nil
	}

	cur, err := m.opts.Signer.Decode(req.Token)
	earliest := err != nil
	if earliest {
		m.logger.Warn("cursor_token_invalid", slog.String("connection_id", id))
	}

	conn := NewConnection(id, req.Topics, groups, cur)
	for _, key := range conn.Keys() {
		var seq uint64
		if !earliest {
			if seq, err = m.bus.Head(key); err != nil {
				return nil, fmt.Errorf("failed to read head of %s: %w", key, err)
			}
		}
		conn.Track(key, seq)
	}
	return conn, nil
}

// Lookup returns the live connection registered under id.
func (m *Manager) Lookup(id string) (*Connection, bool) {
	md, ok := m.opts.Monitor.Lookup(id)
	if !ok {
		return nil, false
	}
	conn, ok := md.Connection.(*Connection)
	if !ok || conn.State().Terminal() {
		return nil, false
	}
	return conn, true
}

// Resume rewinds conn to the cursor in token. A long polling client sends
// the token of the last response it got, so a response lost on the way is
// answered again. Tokens that do not verify are ignored.
func (m *Manager) Resume(conn *Connection, token string) {
	if token == "" {
		return
	}
	cur, err := m.opts.Signer.Decode(token)
	if err != nil {
		m.logger.Warn("cursor_token_invalid", slog.String("connection_id", conn.ID()))
		return
	}
	conn.Rewind(cur)
}

// Stream runs a streaming transport until the client goes away, the
// transport fails or the connection ends. A connection registered under
// the same id is replaced and disconnected.
func (m *Manager) Stream(ctx context.Context, conn *Connection, t Transport) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	m.active.Add(1)
	defer m.active.Done()

	m.opts.Metrics.Incr("connections", 1)
	m.opts.Metrics.Incr("transport."+t.Name(), 1)
	defer func() {
		m.opts.Metrics.Decr("connections", 1)
		m.opts.Metrics.Decr("transport."+t.Name(), 1)
	}()

	conn.Attach(t)
	m.opts.Monitor.AddOrUpdate(conn)
	m.logger.Info("connection_opened",
		slog.String("connection_id", conn.ID()),
		slog.String("transport", t.Name()))

	defer func() {
		t.Close()
		t.Wait()
		if conn.Detach(t) {
			conn.Transition(Disconnected)
		}
		// A connection replaced under the same id leaves the bucket to
		// its successor.
		if m.opts.Monitor.Remove(conn) {
			m.limiter.Remove(conn.ID())
		}
		m.logger.Info("connection_closed",
			slog.String("connection_id", conn.ID()),
			slog.String("state", conn.State().String()))
	}()

	if err := t.Initialize(ctx); err != nil {
		return err
	}
	conn.Transition(Connected)

	rcv := m.receiver(conn, t)
	rcv.Initializing = true
	err := rcv.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return nil
	}
	return err
}

// Poll answers one long polling request for conn. The first poll of a
// connection returns immediately with the initializing flag set.
func (m *Manager) Poll(ctx context.Context, conn *Connection, t Transport, initial bool) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	m.active.Add(1)
	defer m.active.Done()

	conn.Attach(t)
	if md, ok := m.opts.Monitor.Lookup(conn.ID()); ok && md.Connection == conn {
		m.opts.Monitor.Mark(conn)
	} else {
		m.opts.Monitor.AddOrUpdate(conn)
		m.logger.Info("connection_opened",
			slog.String("connection_id", conn.ID()),
			slog.String("transport", t.Name()))
	}
	m.opts.Metrics.Incr("transport."+t.Name(), 1)
	defer m.opts.Metrics.Decr("transport."+t.Name(), 1)

	defer func() {
		t.Close()
		t.Wait()
		if conn.Detach(t) {
			conn.Transition(Reconnecting)
		}
		if conn.State().Terminal() && m.opts.Monitor.Remove(conn) {
			m.limiter.Remove(conn.ID())
		}
	}()

	if err := t.Initialize(ctx); err != nil {
		return err
	}
	conn.Transition(Connected)

	rcv := m.receiver(conn, t)
	rcv.Once = true
	rcv.Initializing = initial
	rcv.PollTimeout = m.cfg.LongPollTimeout
	err := rcv.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return nil
	}
	return err
}

func (m *Manager) receiver(conn *Connection, t Transport) *Receiver {
	return &Receiver{
		Bus:       m.bus,
		Signer:    m.opts.Signer,
		Conn:      conn,
		Transport: t,
		MaxBatch:  m.cfg.MaxBatch,
		Logger:    m.logger,
	}
}

// Receive parses body into CRLF-delimited records and dispatches each. A
// final record without a delimiter is dispatched at end of input.
func (m *Manager) Receive(ctx context.Context, conn *Connection, body io.Reader) error {
	p := chunk.New(m.opts.MaxRecordSize)
	defer p.Release()

	var firstErr error
	handle := func(record []byte) {
		if firstErr != nil {
			return
		}
		firstErr = m.Dispatch(ctx, conn, record)
	}

	var buf [4096]byte
	for {
		n, err := body.Read(buf[:])
		if n > 0 {
			if ferr := p.Feed(buf[:n], handle); ferr != nil {
				return ferr
			}
		}
		if firstErr != nil {
			return firstErr
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
	}
	if p.Buffered() > 0 {
		if err := p.Feed([]byte("\r\n"), handle); err != nil {
			return err
		}
	}
	return firstErr
}

// Dispatch hands one record from conn to the dispatcher, subject to the
// rate limit. Blank records are ignored.
func (m *Manager) Dispatch(ctx context.Context, conn *Connection, record []byte) error {
	record = chunk.TrimLine(record)
	if len(record) == 0 {
		return nil
	}
	m.opts.Monitor.Mark(conn)
	if !m.limiter.Allow(conn.ID()) {
		m.opts.Metrics.Mark("drops", 1)
		return ErrRateLimited
	}
	return m.dispatcher.Dispatch(ctx, conn, record)
}

// AddToGroup asks connection id to join group. The change is applied by
// the connection in order with its other messages.
func (m *Manager) AddToGroup(id, group string) error {
	return m.command(id, message.Command{Type: message.AddToGroup, Value: group})
}

func (m *Manager) RemoveFromGroup(id, group string) error {
	return m.command(id, message.Command{Type: message.RemoveFromGroup, Value: group})
}

// Abort ends connection id for good once it has received the messages
// published to it before.
func (m *Manager) Abort(id string) error {
	return m.command(id, message.Command{Type: message.Abort})
}

func (m *Manager) command(id string, cmd message.Command) error {
	if id == "" {
		return ErrUnknownConn
	}
	_, err := m.bus.Publish(message.NewCommand(bus.ConnectionKey(id), cmd))
	return err
}

// ReportDropped logs messages a connection never received. Connection
// messages name their target; topic messages are reported by key.
func ReportDropped(logger *slog.Logger) func(connID string, dropped []message.Pending) {
	return func(connID string, dropped []message.Pending) {
		for _, p := range dropped {
			target := connID
			if id, ok := bus.ConnectionIDFromKey(p.Topic); ok {
				target = id
			}
			logger.Warn("message_dropped",
				slog.String("connection_id", target),
				slog.String("key", p.Topic),
				slog.Uint64("seq", p.Seq))
		}
	}
}

// Shutdown asks every connection to reconnect, then waits for the
// transports to finish until ctx ends. Connections still open at that
// point are disconnected.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	var pending []*opqueue.Future
	var conns []*Connection
	for _, tr := range m.opts.Monitor.List() {
		conn, ok := tr.(*Connection)
		if !ok {
			continue
		}
		conns = append(conns, conn)
		if t := conn.Transport(); t != nil {
			pending = append(pending, t.Send(&cursor.Response{Reconnect: true, Terminal: true}))
		}
	}
	m.logger.Info("transport_shutdown", slog.Int("connections", len(conns)))

	for _, f := range pending {
		if _, err := f.Wait(ctx); err != nil {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, conn := range conns {
			conn.Disconnect()
		}
		<-done
		return ctx.Err()
	}
}
