package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/opqueue"
)

// LongPolling answers one request with exactly one envelope. The
// connection goes back to Reconnecting until the client polls again.
type LongPolling struct {
	*base
	w  http.ResponseWriter
	rc *http.ResponseController
}

func NewLongPolling(ctx context.Context, w http.ResponseWriter, conn *Connection, opts Options) *LongPolling {
	t := &LongPolling{
		base: newBase(ctx, NameLongPolling, conn, opts),
		w:    w,
		rc:   http.NewResponseController(w),
	}
	t.write = t.writeFrame
	return t
}

func (t *LongPolling) Initialize(context.Context) error {
	h := t.w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	return nil
}

// Send writes r as the response body. Every envelope ends the request and
// carries the configured poll delay.
func (t *LongPolling) Send(r *cursor.Response) *opqueue.Future {
	r.Terminal = true
	if t.opts.LongPollDelay > 0 {
		d := t.opts.LongPollDelay.Milliseconds()
		r.LongPollDelay = &d
	}
	return t.base.Send(r)
}

// KeepAlive is a no-op: the poll timeout already bounds how long a request
// stays quiet.
func (t *LongPolling) KeepAlive() *opqueue.Future {
	return opqueue.Resolved(opqueue.Result{Outcome: opqueue.Completed})
}

func (t *LongPolling) SupportsKeepAlive() bool {
	return false
}

// Close ends the current request only.
func (t *LongPolling) Close() {
	t.finish()
}

func (t *LongPolling) writeFrame(frame []byte) error {
	if t.opts.WriteTimeout > 0 {
		err := t.rc.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	_, err := t.w.Write(frame)
	return err
}
