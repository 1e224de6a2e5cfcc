package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/opqueue"
)

// Receiver pumps messages from the bus to one transport. Each round it
// reads after the connection's cursor, applies the commands in the batch,
// and waits for the envelope to be written before reading again, so a
// message is never read twice by the same connection.
type Receiver struct {
	Bus       *bus.Bus
	Signer    *cursor.Signer
	Conn      *Connection
	Transport Transport
	MaxBatch  int
	// Once sends a single envelope, waiting at most PollTimeout for
	// messages before sending an empty one.
	Once        bool
	PollTimeout time.Duration
	// Initializing marks the first envelope and sends it right away.
	Initializing bool
	Logger       *slog.Logger
}

// Run returns when the transport is done, ctx ends, the connection ends,
// or, with Once, after the envelope is written.
func (r *Receiver) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.MaxBatch
	if limit <= 0 {
		limit = 100
	}
	initializing := r.Initializing

	var deadline <-chan time.Time
	if r.Once && r.PollTimeout > 0 {
		timer := time.NewTimer(r.PollTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		keys := r.Conn.Keys()
		notify, cancel := r.Bus.Notify(keys)

		from := r.Conn.Cursor()
		batch, err := r.Bus.Read(positions(from, keys), limit)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to read messages: %w", err)
		}

		if len(batch) == 0 && !initializing {
			select {
			case <-notify:
				cancel()
				continue
			case <-deadline:
				// Poll timed out: answer with an empty envelope.
			case <-ctx.Done():
				cancel()
				return ctx.Err()
			case <-r.Transport.Done():
				cancel()
				return nil
			case <-r.Conn.Done():
				cancel()
				return nil
			}
		}
		cancel()

		resp := &cursor.Response{Cursor: from, Messages: batch, Initializing: initializing}
		r.applyCommands(resp, logger)

		res, err := r.Transport.Send(resp).Wait(ctx)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case opqueue.Dropped:
			// The transport closed before the envelope was written.
			return nil
		case opqueue.Failed:
			return res.Err
		}
		if resp.Aborted {
			return ErrAborted
		}
		if r.Once {
			return nil
		}
		initializing = false
	}
}

// positions reads every key after the cursor. Keys the cursor does not
// track yet are read from the start.
func positions(cur cursor.Cursor, keys []string) []bus.Position {
	out := make([]bus.Position, 0, len(keys))
	for _, k := range keys {
		seq, _ := cur.Seq(k)
		out = append(out, bus.Position{Key: k, After: seq})
	}
	return out
}

// applyCommands updates the connection for the command messages in the
// batch. An abort truncates the batch after the command.
func (r *Receiver) applyCommands(resp *cursor.Response, logger *slog.Logger) {
	groupsChanged := false
	for i, p := range resp.Messages {
		if p.Message == nil || !p.Message.IsCommand {
			continue
		}
		cmd, err := message.DecodeCommand(p.Message.Value)
		if err != nil {
			logger.Warn("command_decode_failed",
				slog.String("connection_id", r.Conn.ID()),
				slog.String("key", p.Topic),
				slog.Uint64("seq", p.Seq),
				slog.String("error", err.Error()))
			continue
		}

		switch cmd.Type {
		case message.AddToGroup:
			if r.Conn.AddGroup(cmd.Value) {
				key := bus.GroupKey(cmd.Value)
				head, err := r.Bus.Head(key)
				if err != nil {
					logger.Warn("group_head_failed", slog.String("key", key), slog.String("error", err.Error()))
				}
				r.Conn.Track(key, head)
				groupsChanged = true
			}
		case message.RemoveFromGroup:
			if r.Conn.RemoveGroup(cmd.Value) {
				groupsChanged = true
			}
		case message.Abort:
			resp.Aborted = true
			resp.Messages = resp.Messages[:i+1]
		default:
			logger.Warn("command_unknown", slog.String("connection_id", r.Conn.ID()), slog.String("command", cmd.Type.String()))
		}

		if resp.Aborted {
			break
		}
	}
	if groupsChanged {
		resp.GroupsToken = r.Signer.EncodeGroups(r.Conn.Groups())
	}
}
