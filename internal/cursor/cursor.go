// Package cursor tracks how far each connection has read every topic it is
// subscribed to, signs that position into the token clients resume with,
// and writes the JSON envelope that carries a batch of messages.
package cursor

import (
	"maps"
	"slices"

	"github.com/Automattic/pushhub/internal/message"
)

// Cursor maps topics to the sequence number of the last message delivered
// from them. It is a value: every change returns a new Cursor and the
// receiver is left untouched.
type Cursor struct {
	pos map[string]uint64
}

// New copies positions into a cursor.
func New(positions map[string]uint64) Cursor {
	if len(positions) == 0 {
		return Cursor{}
	}
	return Cursor{pos: maps.Clone(positions)}
}

// Seq returns the last delivered sequence for topic and whether the topic
// is tracked at all.
func (c Cursor) Seq(topic string) (uint64, bool) {
	seq, ok := c.pos[topic]
	return seq, ok
}

func (c Cursor) Len() int {
	return len(c.pos)
}

// Topics returns the tracked topics in sorted order.
func (c Cursor) Topics() []string {
	return slices.Sorted(maps.Keys(c.pos))
}

// Positions returns a copy of the underlying map.
func (c Cursor) Positions() map[string]uint64 {
	return maps.Clone(c.pos)
}

func (c Cursor) Equal(o Cursor) bool {
	return maps.Equal(c.pos, o.pos)
}

// Advance moves every topic present in batch to the highest sequence the
// batch holds for it. Topics absent from the batch keep their position and
// no position ever moves backwards. When nothing changes c itself is
// returned.
func (c Cursor) Advance(batch []message.Pending) Cursor {
	var next map[string]uint64
	for _, p := range batch {
		cur, ok := c.pos[p.Topic]
		if next != nil {
			cur, ok = next[p.Topic]
		}
		if ok && p.Seq <= cur {
			continue
		}
		if next == nil {
			next = make(map[string]uint64, len(c.pos)+1)
			maps.Copy(next, c.pos)
		}
		next[p.Topic] = p.Seq
	}
	if next == nil {
		return c
	}
	return Cursor{pos: next}
}

// Track starts following topic from seq. A topic that is already tracked
// keeps its position.
func (c Cursor) Track(topic string, seq uint64) Cursor {
	if _, ok := c.pos[topic]; ok {
		return c
	}
	next := make(map[string]uint64, len(c.pos)+1)
	maps.Copy(next, c.pos)
	next[topic] = seq
	return Cursor{pos: next}
}

// Forget stops following topic.
func (c Cursor) Forget(topic string) Cursor {
	if _, ok := c.pos[topic]; !ok {
		return c
	}
	next := maps.Clone(c.pos)
	delete(next, topic)
	return Cursor{pos: next}
}
