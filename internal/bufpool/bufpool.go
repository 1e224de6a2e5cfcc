// Package bufpool recycles the buffers outbound envelopes are encoded into.
// An envelope is written to the wire before its buffer goes back, so the
// pool holds roughly one buffer per concurrent write.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out empty buffers. A buffer that grew past MaxCap while
// encoding an unusually large batch is dropped on Put so one burst does not
// pin its memory for the life of the process. MaxCap <= 0 keeps everything.
type Pool struct {
	MaxCap int

	pool sync.Pool
}

// Frames is the pool transports build envelopes in.
var Frames = &Pool{MaxCap: 256 << 10}

// Get returns an empty buffer. The caller owns it until it calls Put.
func (p *Pool) Get() *bytes.Buffer {
	if b, ok := p.pool.Get().(*bytes.Buffer); ok {
		b.Reset()
		return b
	}
	return new(bytes.Buffer)
}

// Put gives b back. Neither b nor any slice obtained from b.Bytes may be
// used afterwards: the next Get hands the same memory to another writer.
// Put(nil) is a no-op.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || (p.MaxCap > 0 && b.Cap() > p.MaxCap) {
		return
	}
	p.pool.Put(b)
}

// With lends a buffer to fn and takes it back when fn returns or panics.
// Everything fn does with the bytes, writing them to a connection
// included, has to finish before it returns.
func (p *Pool) With(fn func(b *bytes.Buffer) error) error {
	b := p.Get()
	defer p.Put(b)
	return fn(b)
}
