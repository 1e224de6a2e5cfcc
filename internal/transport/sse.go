package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Automattic/pushhub/internal/opqueue"
)

var (
	sseInitialized = []byte("data: initialized\n\n")
	sseKeepAlive   = []byte("data: {}\n\n")
)

// ServerSentEvents streams envelopes as "data: <json>\n\n" frames on one
// long-lived response.
type ServerSentEvents struct {
	*base
	w  http.ResponseWriter
	rc *http.ResponseController
}

func NewServerSentEvents(ctx context.Context, w http.ResponseWriter, conn *Connection, opts Options) *ServerSentEvents {
	t := &ServerSentEvents{
		base: newBase(ctx, NameServerSentEvents, conn, opts),
		w:    w,
		rc:   http.NewResponseController(w),
	}
	t.prefix = []byte("data: ")
	t.suffix = []byte("\n\n")
	t.write = t.writeFrame
	return t
}

func (t *ServerSentEvents) Initialize(ctx context.Context) error {
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)

	res, err := t.writeRaw(sseInitialized).Wait(ctx)
	if err != nil {
		return err
	}
	if res.Outcome != opqueue.Completed {
		return errors.Join(ErrAborted, res.Err)
	}
	return nil
}

func (t *ServerSentEvents) KeepAlive() *opqueue.Future {
	return t.writeRaw(sseKeepAlive)
}

func (t *ServerSentEvents) SupportsKeepAlive() bool {
	return true
}

func (t *ServerSentEvents) writeFrame(frame []byte) error {
	if t.opts.WriteTimeout > 0 {
		err := t.rc.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return t.rc.Flush()
}
