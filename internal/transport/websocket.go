package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Automattic/pushhub/internal/chunk"
	"github.com/Automattic/pushhub/internal/opqueue"
	"github.com/gorilla/websocket"
)

// WebsocketConn is the part of *websocket.Conn the transport uses, so tests
// can stand in for the network.
type WebsocketConn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// WebSocket writes one envelope per text frame and pings as keep-alive.
// Inbound text frames are records handed to receive.
type WebSocket struct {
	*base
	ws      WebsocketConn
	receive func(record []byte) error
}

func NewWebSocket(ctx context.Context, ws WebsocketConn, conn *Connection, opts Options, receive func(record []byte) error) *WebSocket {
	t := &WebSocket{
		base:    newBase(ctx, NameWebSockets, conn, opts),
		ws:      ws,
		receive: receive,
	}
	t.write = t.writeText
	t.closeIO = func() { t.ws.Close() }
	return t
}

// Initialize starts the reader. There is no preamble; the first envelope
// carries the initializing flag.
func (t *WebSocket) Initialize(context.Context) error {
	limit := t.opts.MaxRecordSize
	if limit <= 0 {
		limit = chunk.DefaultMaxRecord
	}
	t.ws.SetReadLimit(int64(limit))
	t.extendReadDeadline()
	t.ws.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		t.mark()
		return nil
	})
	go t.reader()
	return nil
}

func (t *WebSocket) extendReadDeadline() {
	if t.opts.ReadTimeout > 0 {
		t.ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	}
}

func (t *WebSocket) reader() {
	defer t.Close()
	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				t.logger.Debug("websocket_read_failed", slog.String("error", err.Error()))
			}
			return
		}
		t.extendReadDeadline()
		t.mark()
		if kind != websocket.TextMessage || t.receive == nil {
			continue
		}
		record := chunk.TrimLine(data)
		if len(record) == 0 {
			continue
		}
		if err := t.receive(record); err != nil {
			t.logger.Warn("websocket_receive_failed", slog.String("error", err.Error()))
			if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrInvalidRecord) {
				continue
			}
			return
		}
	}
}

func (t *WebSocket) KeepAlive() *opqueue.Future {
	return t.queue.Enqueue(opqueue.Operation{
		Run: func(context.Context) error {
			if err := t.writeMessage(websocket.PingMessage, nil); err != nil {
				t.fail(err)
				return err
			}
			return nil
		},
	})
}

func (t *WebSocket) SupportsKeepAlive() bool {
	return true
}

func (t *WebSocket) writeText(frame []byte) error {
	return t.writeMessage(websocket.TextMessage, frame)
}

func (t *WebSocket) writeMessage(kind int, data []byte) error {
	if t.opts.WriteTimeout > 0 {
		if err := t.ws.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return t.ws.WriteMessage(kind, data)
}
