package transport

import (
	"slices"
	"sync"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/heartbeat"
	"github.com/Automattic/pushhub/internal/message"
)

var _ heartbeat.Tracked = (*Connection)(nil)

// Connection is one logical client. It outlives the transports attached to
// it: a long polling client gets a new transport per request while keeping
// its Connection, cursor and groups.
type Connection struct {
	id     string
	topics []string

	mu        sync.Mutex
	state     State
	cursor    cursor.Cursor
	groups    []string
	transport Transport
	done      chan struct{}
}

// NewConnection creates a connection following topics, its own key and the
// keys of groups, positioned at cur.
func NewConnection(id string, topics, groups []string, cur cursor.Cursor) *Connection {
	c := &Connection{
		id:     id,
		topics: sortedSet(topics),
		groups: sortedSet(groups),
		cursor: cur,
		done:   make(chan struct{}),
	}
	c.cursor = c.retain(cur)
	return c
}

func sortedSet(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) ConnectionID() string {
	return c.id
}

// Topics returns the plain topics the connection subscribed to.
func (c *Connection) Topics() []string {
	return slices.Clone(c.topics)
}

// Keys returns every bus key the connection reads: its topics, its own key
// and the keys of its groups.
func (c *Connection) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keysLocked()
}

func (c *Connection) keysLocked() []string {
	keys := make([]string, 0, len(c.topics)+len(c.groups)+1)
	keys = append(keys, c.topics...)
	keys = append(keys, bus.ConnectionKey(c.id))
	for _, g := range c.groups {
		keys = append(keys, bus.GroupKey(g))
	}
	return keys
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves the connection to state to if the lifecycle allows it.
func (c *Connection) Transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	if to.Terminal() {
		close(c.done)
	}
	return true
}

// Done is closed once the connection is disconnected or aborted.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Cursor() cursor.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Commit advances the keys of a delivered batch that was read after from.
// A key whose position changed since the read, as after a Rewind, keeps the
// new position so the messages the batch jumped over are read again.
// Positions of keys the connection no longer reads are discarded.
func (c *Connection) Commit(from cursor.Cursor, batch []message.Pending) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.cursor.Positions()
	if pos == nil {
		pos = make(map[string]uint64)
	}
	changed := false
	for _, p := range batch {
		read, _ := from.Seq(p.Topic)
		if cur, _ := c.cursor.Seq(p.Topic); cur != read || p.Seq <= pos[p.Topic] {
			continue
		}
		pos[p.Topic] = p.Seq
		changed = true
	}
	if changed {
		c.cursor = c.retain(cursor.New(pos))
	}
}

func (c *Connection) retain(cur cursor.Cursor) cursor.Cursor {
	keys := c.keysLocked()
	for _, topic := range cur.Topics() {
		if !slices.Contains(keys, topic) {
			cur = cur.Forget(topic)
		}
	}
	return cur
}

// Rewind moves keys back to their positions in prev so the messages after
// them are delivered again. Keys never move forward and keys the
// connection does not read are ignored.
func (c *Connection) Rewind(prev cursor.Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.cursor.Positions()
	if pos == nil {
		pos = make(map[string]uint64)
	}
	for _, key := range c.keysLocked() {
		seq, ok := prev.Seq(key)
		if !ok {
			continue
		}
		if cur, tracked := pos[key]; !tracked || seq < cur {
			pos[key] = seq
		}
	}
	c.cursor = cursor.New(pos)
}

// Track starts reading key after seq unless it is already tracked.
func (c *Connection) Track(key string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = c.cursor.Track(key, seq)
}

func (c *Connection) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.groups)
}

// AddGroup reports whether the connection was not a member yet.
func (c *Connection) AddGroup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := slices.BinarySearch(c.groups, name)
	if found {
		return false
	}
	c.groups = slices.Insert(c.groups, i, name)
	return true
}

// RemoveGroup leaves a group and forgets its position.
func (c *Connection) RemoveGroup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := slices.BinarySearch(c.groups, name)
	if !found {
		return false
	}
	c.groups = slices.Delete(c.groups, i, i+1)
	c.cursor = c.cursor.Forget(bus.GroupKey(name))
	return true
}

func (c *Connection) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Attach makes t the connection's transport. A previous transport is
// closed, which for long polling ends the pending request.
func (c *Connection) Attach(t Transport) {
	c.mu.Lock()
	prev := c.transport
	c.transport = t
	c.mu.Unlock()

	if prev != nil && prev != t {
		prev.Close()
	}
}

// Detach clears the transport if it is still t.
func (c *Connection) Detach(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != t {
		return false
	}
	c.transport = nil
	return true
}

// Disconnect is called by the heartbeat monitor on eviction or
// replacement.
func (c *Connection) Disconnect() {
	if !c.Transition(Disconnected) {
		return
	}
	if t := c.Transport(); t != nil {
		t.Close()
	}
}

// Abort ends the connection for good.
func (c *Connection) Abort() {
	if !c.Transition(Aborted) {
		return
	}
	if t := c.Transport(); t != nil {
		t.Abort()
	}
}

func (c *Connection) KeepAlive() {
	if t := c.Transport(); t != nil && t.SupportsKeepAlive() {
		t.KeepAlive()
	}
}

func (c *Connection) SupportsKeepAlive() bool {
	t := c.Transport()
	return t != nil && t.SupportsKeepAlive()
}
