// Package opqueue serializes the writes made to a single connection.
//
// Producers (message delivery, keep-alives, the transport's own preamble)
// enqueue operations from any goroutine. A queue runs them one at a time in
// the order it accepted them, so frames never interleave on the wire.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is the error carried by operations dropped because their queue
// was closed before they could run.
var ErrClosed = errors.New("opqueue: queue closed")

// Outcome tells how an operation ended.
type Outcome int

const (
	Completed Outcome = iota
	Failed
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome Outcome
	Err     error
}

// Operation is a deferred write. Payload is what Run writes; it is handed to
// OnDropped if the operation never runs.
type Operation struct {
	Run       func(ctx context.Context) error
	Payload   any
	OnDropped func(payload any)
}

// Future resolves once its operation has run or been dropped.
type Future struct {
	done chan struct{}
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete with r.
func Resolved(r Result) *Future {
	f := newFuture()
	f.resolve(r)
	return f
}

func (f *Future) resolve(r Result) {
	f.res = r
	close(f.done)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the operation is resolved.
func (f *Future) Result() Result {
	<-f.done
	return f.res
}

// Wait is Result bounded by ctx.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type item struct {
	op Operation
	f  *Future
}

// Queue is a FIFO of operations with at most one in flight. The runner
// goroutine is started on demand and exits when the queue drains.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	onDrop func(payload any)

	mu      sync.Mutex
	idle    *sync.Cond
	items   []item
	running bool
	closed  bool
}

// New returns a queue whose operations see a context derived from parent.
// The context is cancelled when the queue closes. onDrop, if not nil, is
// called for every dropped operation in addition to its own OnDropped.
func New(parent context.Context, onDrop func(payload any)) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{ctx: ctx, cancel: cancel, onDrop: onDrop}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules op after everything accepted before it.
func (q *Queue) Enqueue(op Operation) *Future {
	f := newFuture()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(item{op: op, f: f})
		return f
	}
	q.items = append(q.items, item{op: op, f: f})
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()
	return f
}

// Close drops every pending operation. An operation already running is
// left to finish. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	for _, it := range pending {
		q.drop(it)
	}
}

// Wait blocks until no operation is running. Callers use it after Close to
// make sure nothing touches the underlying writer any more. It must not be
// called from inside an operation.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.running {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of operations waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.exec(it)
	}
}

func (q *Queue) exec(it item) {
	err := safeRun(q.ctx, it.op.Run)
	if err != nil {
		it.f.resolve(Result{Outcome: Failed, Err: err})
		return
	}
	it.f.resolve(Result{Outcome: Completed})
}

func (q *Queue) drop(it item) {
	if it.op.OnDropped != nil {
		it.op.OnDropped(it.op.Payload)
	}
	if q.onDrop != nil {
		q.onDrop(it.op.Payload)
	}
	it.f.resolve(Result{Outcome: Dropped, Err: ErrClosed})
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("opqueue: operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}
