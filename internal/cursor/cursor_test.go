package cursor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Automattic/pushhub/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func pending(topic string, seq uint64, value string) message.Pending {
	return message.Pending{
		Topic:   topic,
		Seq:     seq,
		Message: &message.Message{Key: topic, Value: message.Encodable(value)},
	}
}

func TestAdvanceTakesMaximumPerTopic(t *testing.T) {
	c := New(map[string]uint64{"A": 2, "C": 9})
	next := c.Advance([]message.Pending{
		pending("A", 3, "a3"),
		pending("B", 1, "b1"),
		pending("A", 5, "a5"),
		pending("A", 4, "a4"),
	})

	seq, _ := next.Seq("A")
	assert.Equal(t, uint64(5), seq)
	seq, _ = next.Seq("B")
	assert.Equal(t, uint64(1), seq)
	seq, _ = next.Seq("C")
	assert.Equal(t, uint64(9), seq)

	// The receiver is unchanged.
	seq, _ = c.Seq("A")
	assert.Equal(t, uint64(2), seq)
	_, ok := c.Seq("B")
	assert.False(t, ok)
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	c := New(map[string]uint64{"A": 10})
	next := c.Advance([]message.Pending{pending("A", 4, "old")})
	assert.True(t, next.Equal(c))
}

func TestTrackAndForget(t *testing.T) {
	c := New(nil).Track("g", 7)
	seq, ok := c.Seq("g")
	require.True(t, ok)
	assert.Equal(t, uint64(7), seq)

	c = c.Track("g", 1)
	seq, _ = c.Seq("g")
	assert.Equal(t, uint64(7), seq, "tracking an existing topic keeps its position")

	c = c.Forget("g")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Forget("missing").Len())
}

func TestSignerRoundTrip(t *testing.T) {
	s := newSigner(t)
	c := New(map[string]uint64{"chat": 42, "conn.x": 1, "": 3, "ünï.cødé": 1 << 40})

	token := s.Encode(c)
	assert.NotContains(t, token, `"`)
	assert.Equal(t, token, s.Encode(New(c.Positions())), "encoding is deterministic")

	got, err := s.Decode(token)
	require.NoError(t, err)
	assert.True(t, got.Equal(c))
}

func TestSignerEmpty(t *testing.T) {
	s := newSigner(t)

	got, err := s.Decode("")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())

	got, err = s.Decode(s.Encode(Cursor{}))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
}

func TestSignerRejectsTampering(t *testing.T) {
	s := newSigner(t)
	token := s.Encode(New(map[string]uint64{"chat": 5}))

	forged := s.Encode(New(map[string]uint64{"chat": 500}))
	payload, _, _ := strings.Cut(forged, ".")
	_, sig, _ := strings.Cut(token, ".")

	for _, bad := range []string{
		payload + "." + sig,
		"garbage",
		"!!!.???",
		token + "x",
	} {
		c, err := s.Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
		assert.Equal(t, 0, c.Len())
	}

	other, err := NewSigner([]byte("other-key"))
	require.NoError(t, err)
	_, err = other.Decode(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGroupsToken(t *testing.T) {
	s := newSigner(t)

	token := s.EncodeGroups([]string{"b", "a", "b"})
	groups, err := s.DecodeGroups(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, groups)

	// A cursor token is not a groups token.
	_, err = s.DecodeGroups(s.Encode(New(map[string]uint64{"a": 1})))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Decode(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	groups, err = s.DecodeGroups("")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestRandomKeySigner(t *testing.T) {
	s, err := NewSigner(nil)
	require.NoError(t, err)
	c := New(map[string]uint64{"a": 1})
	got, err := s.Decode(s.Encode(c))
	require.NoError(t, err)
	assert.True(t, got.Equal(c))
}

func TestBuildMinimalEnvelope(t *testing.T) {
	s := newSigner(t)
	var buf bytes.Buffer

	next, token, err := Build(&buf, &Response{}, Options{Signer: s})
	require.NoError(t, err)
	assert.Equal(t, 0, next.Len())

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
	assert.Len(t, obj, 2)
	assert.Contains(t, obj, "C")
	assert.Contains(t, obj, "M")
	assert.Equal(t, `{"C":"`+token+`","M":[]}`, buf.String())
}

func TestBuildAllFlags(t *testing.T) {
	s := newSigner(t)
	var buf bytes.Buffer
	delay := int64(1500)
	groups := s.EncodeGroups([]string{"admins"})

	_, token, err := Build(&buf, &Response{
		Initializing:  true,
		Reconnect:     true,
		GroupsToken:   groups,
		LongPollDelay: &delay,
	}, Options{Signer: s})
	require.NoError(t, err)

	want := `{"C":"` + token + `","S":1,"T":1,"G":"` + groups + `","L":1500,"M":[]}`
	assert.Equal(t, want, buf.String())
}

func TestBuildWritesMessagesInOrder(t *testing.T) {
	s := newSigner(t)
	var buf bytes.Buffer

	r := &Response{Messages: []message.Pending{
		pending("chat", 1, "one"),
		{Topic: "chat", Seq: 2, Message: &message.Message{Key: "chat", Value: message.PreEncoded([]byte(`{"raw":true}`))}},
		pending("chat", 3, "three"),
	}}
	next, token, err := Build(&buf, r, Options{Signer: s})
	require.NoError(t, err)

	assert.Equal(t, `{"C":"`+token+`","M":["one",{"raw":true},"three"]}`, buf.String())
	seq, _ := next.Seq("chat")
	assert.Equal(t, uint64(3), seq)
}

func TestBuildSkipsCommandsAndExcluded(t *testing.T) {
	s := newSigner(t)
	var buf bytes.Buffer

	own := &message.Message{Key: "chat", Value: message.Encodable("mine"), Source: "me", Exclude: []string{"me"}}
	cmd := message.NewCommand("conn.me", message.Command{Type: message.AddToGroup, Value: "g"})

	r := &Response{Messages: []message.Pending{
		{Topic: "conn.me", Seq: 4, Message: cmd},
		{Topic: "chat", Seq: 1, Message: own},
		pending("chat", 2, "theirs"),
		{Topic: "chat", Seq: 3, Message: own},
	}}
	next, _, err := Build(&buf, r, Options{
		Signer:  s,
		Exclude: func(m *message.Message) bool { return m.Excludes("me") },
	})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(buf.String(), `"M":["theirs"]}`), buf.String())
	seq, _ := next.Seq("chat")
	assert.Equal(t, uint64(3), seq)
	seq, _ = next.Seq("conn.me")
	assert.Equal(t, uint64(4), seq)
}

func TestBuildSerializationFailure(t *testing.T) {
	s := newSigner(t)
	var buf bytes.Buffer
	boom := errors.New("unsupported value")

	r := &Response{Messages: []message.Pending{pending("chat", 1, "x")}}
	_, _, err := Build(&buf, r, Options{
		Signer:  s,
		Encoder: func(any) ([]byte, error) { return nil, boom },
	})
	assert.ErrorIs(t, err, boom)

	_, _, err = Build(&buf, r, Options{})
	assert.Error(t, err)
}

// A client that resumes with its last token sees only what came after it,
// through any number of reconnects.
func TestResumeAcrossReconnects(t *testing.T) {
	s := newSigner(t)

	var log []message.Pending
	for i := uint64(1); i <= 8; i++ {
		log = append(log, pending("A", i, "a"))
	}
	for i := uint64(1); i <= 6; i++ {
		log = append(log, pending("B", i, "b"))
	}

	read := func(c Cursor, limitA, limitB uint64) []message.Pending {
		var out []message.Pending
		for _, p := range log {
			seq, _ := c.Seq(p.Topic)
			limit := limitA
			if p.Topic == "B" {
				limit = limitB
			}
			if p.Seq > seq && p.Seq <= limit {
				out = append(out, p)
			}
		}
		return out
	}

	start := New(map[string]uint64{"A": 0, "B": 0})
	var buf bytes.Buffer
	_, token, err := Build(&buf, &Response{Cursor: start, Messages: read(start, 5, 3)}, Options{Signer: s})
	require.NoError(t, err)

	seen := map[string][]uint64{}
	for _, p := range read(start, 5, 3) {
		seen[p.Topic] = append(seen[p.Topic], p.Seq)
	}

	limits := [][2]uint64{{5, 3}, {6, 3}, {6, 5}, {8, 6}, {8, 6}}
	for _, l := range limits {
		c, err := s.Decode(token)
		require.NoError(t, err)
		batch := read(c, l[0], l[1])
		for _, p := range batch {
			seen[p.Topic] = append(seen[p.Topic], p.Seq)
		}
		buf.Reset()
		_, token, err = Build(&buf, &Response{Cursor: c, Messages: batch}, Options{Signer: s})
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, seen["A"])
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seen["B"])
}

func TestTokenUnchangedWithoutMessages(t *testing.T) {
	s := newSigner(t)
	c := New(map[string]uint64{"chat": 3})

	var buf bytes.Buffer
	_, first, err := Build(&buf, &Response{Cursor: c}, Options{Signer: s})
	require.NoError(t, err)
	buf.Reset()
	_, second, err := Build(&buf, &Response{Cursor: c}, Options{Signer: s})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
