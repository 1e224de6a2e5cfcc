package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/message"
)

// ErrInvalidRecord is returned for inbound records that cannot be
// dispatched.
var ErrInvalidRecord = errors.New("transport: invalid record")

// Dispatcher receives the records a client sends. The record is only valid
// for the duration of the call.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, record []byte) error
}

// Record is the inbound message format of PublishDispatcher. Exactly one of
// Topic and Group is set.
type Record struct {
	Topic       string          `json:"topic,omitempty"`
	Group       string          `json:"group,omitempty"`
	Data        json.RawMessage `json:"data"`
	ExcludeSelf bool            `json:"exclude_self,omitempty"`
}

// PublishDispatcher publishes client records to the bus.
type PublishDispatcher struct {
	Bus *bus.Bus
}

func (d PublishDispatcher) Dispatch(_ context.Context, conn *Connection, record []byte) error {
	var rec Record
	if err := json.Unmarshal(record, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var key string
	switch {
	case rec.Topic != "" && rec.Group != "":
		return fmt.Errorf("%w: topic and group are exclusive", ErrInvalidRecord)
	case rec.Group != "":
		key = bus.GroupKey(rec.Group)
	default:
		var err error
		if key, err = bus.TopicKey(rec.Topic); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	if len(rec.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidRecord)
	}

	msg := &message.Message{
		Key:    key,
		Value:  message.PreEncoded(rec.Data),
		Source: conn.ID(),
	}
	if rec.ExcludeSelf {
		msg.Exclude = []string{conn.ID()}
	}
	_, err := d.Bus.Publish(msg)
	return err
}
