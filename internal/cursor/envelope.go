package cursor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Automattic/pushhub/internal/message"
)

// Response is the protocol state sent to a connection in one frame. It is
// built per send and never stored.
type Response struct {
	// Cursor is the position before Messages were read.
	Cursor   Cursor
	Messages []message.Pending

	Initializing bool
	Reconnect    bool
	// GroupsToken is written only when not empty, which callers use to
	// signal that the connection's groups changed.
	GroupsToken   string
	LongPollDelay *int64

	// Terminal and Aborted shape how the transport behaves after the frame
	// and are not written to the wire.
	Terminal bool
	Aborted  bool
}

// Options carry the collaborators an envelope needs.
type Options struct {
	Signer *Signer
	// Exclude withholds matching messages from the M array. They still
	// advance the cursor.
	Exclude func(*message.Message) bool
	// Encoder encodes message values; json.Marshal when nil.
	Encoder func(any) ([]byte, error)
}

// Build writes r as a JSON object into w and returns the cursor after the
// batch along with its token. Optional fields are only written when set.
// Command messages and excluded messages are left out of M. On error w
// holds a partial frame and must be discarded.
func Build(w *bytes.Buffer, r *Response, opts Options) (Cursor, string, error) {
	if opts.Signer == nil {
		return Cursor{}, "", fmt.Errorf("cursor: build requires a signer")
	}
	enc := opts.Encoder
	if enc == nil {
		enc = json.Marshal
	}

	next := r.Cursor.Advance(r.Messages)
	token := opts.Signer.Encode(next)

	var num [20]byte

	w.WriteString(`{"C":"`)
	w.WriteString(token)
	w.WriteByte('"')

	if r.Initializing {
		w.WriteString(`,"S":1`)
	}
	if r.Reconnect {
		w.WriteString(`,"T":1`)
	}
	if r.GroupsToken != "" {
		w.WriteString(`,"G":"`)
		w.WriteString(r.GroupsToken)
		w.WriteByte('"')
	}
	if r.LongPollDelay != nil {
		w.WriteString(`,"L":`)
		w.Write(strconv.AppendInt(num[:0], *r.LongPollDelay, 10))
	}

	w.WriteString(`,"M":[`)
	first := true
	for _, p := range r.Messages {
		m := p.Message
		if m == nil || m.IsCommand {
			continue
		}
		if opts.Exclude != nil && opts.Exclude(m) {
			continue
		}
		raw, err := m.Value.Encode(enc)
		if err != nil {
			return Cursor{}, "", fmt.Errorf("failed to encode message %s:%d: %w", p.Topic, p.Seq, err)
		}
		if !first {
			w.WriteByte(',')
		}
		w.Write(raw)
		first = false
	}
	w.WriteString("]}")

	return next, token, nil
}
