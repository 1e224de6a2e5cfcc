// Package bus is the message source connections read from. Every key has
// its own log with sequence numbers starting at 1 and increasing by one per
// published message.
package bus

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/metrics"
)

var (
	ErrClosed     = errors.New("bus: closed")
	ErrInvalidKey = errors.New("bus: invalid key")
)

// Key prefixes for messages addressed to one connection or to a group. Any
// other key is a plain topic.
const (
	connectionPrefix = "conn."
	groupPrefix      = "group."
)

func ConnectionKey(id string) string {
	return connectionPrefix + id
}

func GroupKey(name string) string {
	return groupPrefix + name
}

// TopicKey returns the key of a plain topic, or ErrInvalidKey when the name
// is empty or falls into a reserved namespace.
func TopicKey(name string) (string, error) {
	if name == "" || IsReserved(name) {
		return "", ErrInvalidKey
	}
	return name, nil
}

// ConnectionIDFromKey returns the connection a key addresses, if any.
func ConnectionIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, connectionPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsReserved reports whether key belongs to the connection or group
// namespaces, which clients may not publish to directly.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, connectionPrefix) || strings.HasPrefix(key, groupPrefix)
}

// Store persists per-key logs.
type Store interface {
	// Append adds msg to the log of key and returns its sequence number.
	Append(key string, msg *message.Message) (uint64, error)
	// Range returns up to limit messages of key with a sequence above after,
	// in sequence order.
	Range(key string, after uint64, limit int) ([]message.Pending, error)
	// Head returns the sequence of the newest message of key, 0 if none.
	Head(key string) (uint64, error)
	Close() error
}

// Position is where a reader stands in one key's log.
type Position struct {
	Key   string
	After uint64
}

// Bus wraps a Store and wakes readers waiting on keys that receive new
// messages.
type Bus struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
	closed  bool
}

func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:   store,
		logger:  logger,
		metrics: m,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish appends msg to the log of msg.Key and wakes its readers.
func (b *Bus) Publish(msg *message.Message) (uint64, error) {
	if msg == nil || msg.Key == "" {
		return 0, ErrInvalidKey
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	seq, err := b.store.Append(msg.Key, msg)
	if err != nil {
		return 0, err
	}
	b.metrics.Incr("publish", 1)
	b.notify(msg.Key)
	return seq, nil
}

// Read collects at most limit messages across positions. The limit is
// shared out over the keys in rounds so a busy key cannot starve the
// others. Each key contributes a contiguous run following its position and
// runs are returned in key order, so a reader that advances to the highest
// sequence it got per key never skips a message.
func (b *Bus) Read(positions []Position, limit int) ([]message.Pending, error) {
	sorted := slices.Clone(positions)
	slices.SortFunc(sorted, func(a, c Position) int { return strings.Compare(a.Key, c.Key) })

	runs := make([][]message.Pending, len(sorted))
	active := make([]int, len(sorted))
	for i := range active {
		active[i] = i
	}
	total := 0
	for len(active) > 0 && total < limit {
		share := max(1, (limit-total)/len(active))
		next := active[:0]
		for _, i := range active {
			n := min(share, limit-total)
			if n <= 0 {
				break
			}
			batch, err := b.store.Range(sorted[i].Key, sorted[i].After, n)
			if err != nil {
				return nil, err
			}
			runs[i] = append(runs[i], batch...)
			total += len(batch)
			// A short batch means the key is drained.
			if len(batch) == n {
				sorted[i].After = batch[len(batch)-1].Seq
				next = append(next, i)
			}
		}
		active = next
	}

	out := make([]message.Pending, 0, total)
	for _, run := range runs {
		out = append(out, run...)
	}
	return out, nil
}

func (b *Bus) Head(key string) (uint64, error) {
	return b.store.Head(key)
}

// Notify returns a channel that receives a value when any of keys gets a
// new message, and a function that stops the notification. Readers register
// before reading so a publish between the read and the wait is not missed.
func (b *Bus) Notify(keys []string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	for _, k := range keys {
		set, ok := b.waiters[k]
		if !ok {
			set = make(map[chan struct{}]struct{})
			b.waiters[k] = set
		}
		set[ch] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, k := range keys {
				if set, ok := b.waiters[k]; ok {
					delete(set, ch)
					if len(set) == 0 {
						delete(b.waiters, k)
					}
				}
			}
		})
	}
}

func (b *Bus) notify(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close closes the underlying store. Publishing afterwards fails.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.logger.Info("bus_closed")
	return b.store.Close()
}
