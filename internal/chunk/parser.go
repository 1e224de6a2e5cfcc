// Package chunk reassembles CRLF-delimited records from a byte stream that
// arrives in arbitrarily sized pieces.
//
// A Parser is not safe for concurrent use. It is meant to be owned by the
// goroutine reading one request body or socket.
package chunk

import (
	"bytes"
	"errors"
	"sync"
)

const (
	// DefaultMaxRecord bounds a single record when New is given no limit.
	DefaultMaxRecord = 1 << 20

	initialSize = 4096
)

// ErrRecordTooLarge is returned when unterminated data exceeds the
// configured maximum record size.
var ErrRecordTooLarge = errors.New("chunk: record exceeds maximum size")

var crlf = []byte("\r\n")

var pool = sync.Pool{New: func() any {
	b := make([]byte, initialSize)
	return &b
}}

// Parser holds the bytes of a record that has not seen its delimiter yet.
// Unconsumed data lives in buf[start:end].
type Parser struct {
	buf   []byte
	start int
	end   int
	// scan is where the next ReadLine search begins. Everything in
	// buf[start:scan] is known to hold no complete delimiter.
	scan int
	max  int
}

// New returns a parser with a pooled carry-over buffer. Records longer than
// maxRecord bytes are rejected; maxRecord <= 0 selects DefaultMaxRecord.
func New(maxRecord int) *Parser {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecord
	}
	bp := pool.Get().(*[]byte)
	return &Parser{buf: *bp, max: maxRecord}
}

// Release hands the carry-over buffer back to the pool. The parser must not
// be used afterwards.
func (p *Parser) Release() {
	if p.buf == nil {
		return
	}
	if cap(p.buf) == initialSize {
		b := p.buf[:initialSize]
		pool.Put(&b)
	}
	p.buf = nil
	p.start, p.end, p.scan = 0, 0, 0
}

// Buffered returns the number of bytes held for an incomplete record.
func (p *Parser) Buffered() int {
	return p.end - p.start
}

// Feed consumes data and calls fn once for every complete record, in order.
// The record slice is only valid for the duration of the call. A trailing
// partial record is kept and completed by later calls, including a "\r\n"
// that is split across two calls.
func (p *Parser) Feed(data []byte, fn func(record []byte)) error {
	// Records queued by Add and not yet read go first.
	for {
		line, ok := p.ReadLine()
		if !ok {
			break
		}
		fn(line)
	}

	if p.start < p.end {
		if p.buf[p.end-1] == '\r' && len(data) > 0 && data[0] == '\n' {
			fn(p.buf[p.start : p.end-1])
			p.reset()
			data = data[1:]
		} else {
			i := bytes.Index(data, crlf)
			if i < 0 {
				return p.append(data)
			}
			if err := p.append(data[:i]); err != nil {
				return err
			}
			fn(p.buf[p.start:p.end])
			p.reset()
			data = data[i+2:]
		}
	}

	// Nothing carried over: records wholly inside data are handed out
	// without copying.
	for {
		i := bytes.Index(data, crlf)
		if i < 0 {
			break
		}
		fn(data[:i])
		data = data[i+2:]
	}
	return p.append(data)
}

// Add buffers data for pull-mode consumption through ReadLine.
func (p *Parser) Add(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p.ensure(len(data))
	p.end += copy(p.buf[p.end:], data)

	tail := p.end - p.start
	if i := bytes.LastIndex(p.buf[p.start:p.end], crlf); i >= 0 {
		tail = p.end - (p.start + i + 2)
	}
	// A trailing '\r' may be half of a delimiter split across calls.
	if p.buf[p.end-1] == '\r' {
		tail--
	}
	if tail > p.max {
		return ErrRecordTooLarge
	}
	return nil
}

// ReadLine returns the next complete record without its delimiter. The
// returned slice is valid until the next call to Add or Feed.
func (p *Parser) ReadLine() ([]byte, bool) {
	if p.scan < p.start {
		p.scan = p.start
	}
	i := bytes.Index(p.buf[p.scan:p.end], crlf)
	if i < 0 {
		// A trailing '\r' may still pair with the next byte.
		if p.end > p.start {
			p.scan = p.end - 1
		}
		return nil, false
	}
	i += p.scan
	line := p.buf[p.start:i]
	p.start = i + 2
	p.scan = p.start
	if p.start == p.end {
		p.reset()
	}
	return line, true
}

// TrimLine strips surrounding whitespace for consumers that want it. The
// parser itself never alters record content.
func TrimLine(record []byte) []byte {
	return bytes.TrimSpace(record)
}

func (p *Parser) reset() {
	p.start, p.end, p.scan = 0, 0, 0
}

func (p *Parser) append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n := p.end - p.start + len(data)
	if data[len(data)-1] == '\r' {
		n--
	}
	if n > p.max {
		return ErrRecordTooLarge
	}
	p.ensure(len(data))
	p.end += copy(p.buf[p.end:], data)
	return nil
}

// ensure makes room for extra more bytes after end, compacting the consumed
// prefix first and growing only when that is not enough.
func (p *Parser) ensure(extra int) {
	if p.end+extra <= len(p.buf) {
		return
	}
	n := p.end - p.start
	if p.start > 0 && n+extra <= len(p.buf) {
		copy(p.buf, p.buf[p.start:p.end])
		p.shift()
		return
	}

	size := len(p.buf) * 2
	if size == 0 {
		size = initialSize
	}
	for size < n+extra {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, p.buf[p.start:p.end])
	if cap(p.buf) == initialSize {
		old := p.buf[:initialSize]
		pool.Put(&old)
	}
	p.buf = grown
	p.shift()
}

func (p *Parser) shift() {
	p.scan -= p.start
	if p.scan < 0 {
		p.scan = 0
	}
	p.end -= p.start
	p.start = 0
}
