package transport

import (
	"testing"

	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionKeys(t *testing.T) {
	c := NewConnection("c1", []string{"b", "a", "a"}, []string{"room"}, cursor.Cursor{})

	assert.Equal(t, []string{"a", "b", "conn.c1", "group.room"}, c.Keys())
	assert.Equal(t, []string{"a", "b"}, c.Topics())
	assert.Equal(t, "c1", c.ConnectionID())
}

func TestConnectionDropsForeignPositions(t *testing.T) {
	cur := cursor.New(map[string]uint64{"a": 3, "other": 9})
	c := NewConnection("c1", []string{"a"}, nil, cur)

	assert.Equal(t, []string{"a"}, c.Cursor().Topics())

	c.Commit(c.Cursor(), []message.Pending{{Topic: "a", Seq: 4}, {Topic: "group.gone", Seq: 2}})
	seq, ok := c.Cursor().Seq("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(4), seq)
	_, ok = c.Cursor().Seq("group.gone")
	assert.False(t, ok)
}

func TestConnectionGroups(t *testing.T) {
	c := NewConnection("c1", nil, nil, cursor.Cursor{})

	assert.True(t, c.AddGroup("b"))
	assert.True(t, c.AddGroup("a"))
	assert.False(t, c.AddGroup("a"))
	assert.Equal(t, []string{"a", "b"}, c.Groups())

	c.Track("group.a", 5)
	c.Commit(c.Cursor(), []message.Pending{{Topic: "group.a", Seq: 6}})
	seq, _ := c.Cursor().Seq("group.a")
	assert.Equal(t, uint64(6), seq)

	assert.True(t, c.RemoveGroup("a"))
	assert.False(t, c.RemoveGroup("a"))
	_, ok := c.Cursor().Seq("group.a")
	assert.False(t, ok)
	assert.Equal(t, []string{"conn.c1", "group.b"}, c.Keys())
}

func TestConnectionTransitions(t *testing.T) {
	c := NewConnection("c1", nil, nil, cursor.Cursor{})
	assert.Equal(t, Initializing, c.State())

	require.True(t, c.Transition(Connected))
	require.True(t, c.Transition(Reconnecting))
	require.True(t, c.Transition(Connected))
	require.True(t, c.Transition(Aborted))
	assert.False(t, c.Transition(Disconnected))
	assert.Equal(t, Aborted, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Expectation: done closed after a terminal state")
	}
}

func TestConnectionDisconnectClosesTransport(t *testing.T) {
	e := newEnv(t)
	c := NewConnection("c1", nil, nil, cursor.Cursor{})
	tr := NewServerSentEvents(t.Context(), newFrameWriter(), c, e.opts)
	c.Attach(tr)
	c.Transition(Connected)

	assert.True(t, c.SupportsKeepAlive())
	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, Disconnected, c.State())
	select {
	case <-tr.Done():
	default:
		t.Fatal("Expectation: transport done after disconnect")
	}

	assert.True(t, c.Detach(tr))
	assert.False(t, c.Detach(tr))
	assert.False(t, c.SupportsKeepAlive())
}

func TestConnectionAttachClosesPreviousPoll(t *testing.T) {
	e := newEnv(t)
	c := NewConnection("c1", nil, nil, cursor.Cursor{})
	c.Transition(Connected)

	first := NewLongPolling(t.Context(), newFrameWriter(), c, e.opts)
	second := NewLongPolling(t.Context(), newFrameWriter(), c, e.opts)
	c.Attach(first)
	c.Attach(second)

	select {
	case <-first.Done():
	default:
		t.Fatal("Expectation: previous poll ended")
	}
	assert.Equal(t, Connected, c.State())
	assert.False(t, c.Detach(first))
	assert.True(t, c.Detach(second))
}

func TestConnectionRewind(t *testing.T) {
	cur := cursor.New(map[string]uint64{"a": 5, "b": 2})
	c := NewConnection("c1", []string{"a", "b"}, nil, cur)

	c.Rewind(cursor.New(map[string]uint64{"a": 3, "b": 7, "other": 1}))

	seq, _ := c.Cursor().Seq("a")
	assert.Equal(t, uint64(3), seq)
	seq, _ = c.Cursor().Seq("b")
	assert.Equal(t, uint64(2), seq)
	_, ok := c.Cursor().Seq("other")
	assert.False(t, ok)
}

func TestConnectionCommitKeepsRewind(t *testing.T) {
	c := NewConnection("c1", []string{"a", "b"}, nil, cursor.New(map[string]uint64{"a": 5, "b": 1}))

	// A batch read before the rewind lands after it.
	from := c.Cursor()
	c.Rewind(cursor.New(map[string]uint64{"a": 2}))
	c.Commit(from, []message.Pending{{Topic: "a", Seq: 6}, {Topic: "a", Seq: 7}, {Topic: "b", Seq: 2}})

	seq, _ := c.Cursor().Seq("a")
	assert.Equal(t, uint64(2), seq)
	seq, _ = c.Cursor().Seq("b")
	assert.Equal(t, uint64(2), seq)
}
