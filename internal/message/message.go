// Package message defines the immutable messages that flow from the bus to
// connections.
package message

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Payload is either a pre-encoded JSON value, written to the wire as is,
// or a Go value that still has to be encoded.
type Payload struct {
	raw   []byte
	value any
	pre   bool
}

func PreEncoded(raw []byte) Payload {
	return Payload{raw: raw, pre: true}
}

func Encodable(v any) Payload {
	return Payload{value: v}
}

func (p Payload) IsPreEncoded() bool {
	return p.pre
}

// Raw returns the encoded bytes of a pre-encoded payload.
func (p Payload) Raw() []byte {
	return p.raw
}

// Value returns the Go value of an encodable payload.
func (p Payload) Value() any {
	return p.value
}

// Encode returns the JSON form of the payload, using enc for encodable
// values. An empty pre-encoded payload encodes as null.
func (p Payload) Encode(enc func(any) ([]byte, error)) ([]byte, error) {
	if p.pre {
		if len(p.raw) == 0 {
			return []byte("null"), nil
		}
		return p.raw, nil
	}
	if enc == nil {
		enc = json.Marshal
	}
	return enc(p.value)
}

// Message is never modified after it has been published.
type Message struct {
	Key       string
	Value     Payload
	IsCommand bool
	// Source is the id of the connection that published the message, empty
	// for server-originated messages.
	Source string
	// Exclude lists connection ids that must not receive the message.
	Exclude []string
}

// Excludes reports whether the message must be withheld from connID.
func (m *Message) Excludes(connID string) bool {
	return slices.Contains(m.Exclude, connID)
}

// Pending is a message read from the bus together with its position in
// its topic.
type Pending struct {
	Topic   string
	Seq     uint64
	Message *Message
}

// CommandType enumerates control-plane messages.
type CommandType int

const (
	AddToGroup CommandType = iota + 1
	RemoveFromGroup
	Abort
)

func (c CommandType) String() string {
	switch c {
	case AddToGroup:
		return "add_to_group"
	case RemoveFromGroup:
		return "remove_from_group"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Command is the value of a message with IsCommand set.
type Command struct {
	Type  CommandType `json:"t"`
	Value string      `json:"v,omitempty"`
}

// NewCommand wraps cmd in a message addressed to key.
func NewCommand(key string, cmd Command) *Message {
	return &Message{Key: key, Value: Encodable(cmd), IsCommand: true}
}

// DecodeCommand reads a command back from a payload in either form; a
// message that went through a persistent store comes back pre-encoded.
func DecodeCommand(p Payload) (Command, error) {
	if !p.pre {
		switch v := p.value.(type) {
		case Command:
			return v, nil
		case *Command:
			return *v, nil
		}
	}
	raw, err := p.Encode(nil)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode command: %w", err)
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}
