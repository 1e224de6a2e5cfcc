// Package memory keeps bus logs in process memory, bounded per key.
package memory

import (
	"sync"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/message"
)

var _ bus.Store = (*Store)(nil)

// DefaultRetention is the number of messages kept per key when New is
// given no bound.
const DefaultRetention = 1000

type topicLog struct {
	// first is the sequence of msgs[0].
	first uint64
	msgs  []*message.Message
}

func (l *topicLog) head() uint64 {
	return l.first + uint64(len(l.msgs)) - 1
}

// Store keeps the newest retention messages of every key. Readers that fall
// further behind resume from the oldest message still kept.
type Store struct {
	mu        sync.RWMutex
	logs      map[string]*topicLog
	retention int
	closed    bool
}

func New(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		logs:      make(map[string]*topicLog),
		retention: retention,
	}
}

func (s *Store) Append(key string, msg *message.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, bus.ErrClosed
	}
	l, ok := s.logs[key]
	if !ok {
		l = &topicLog{first: 1}
		s.logs[key] = l
	}
	l.msgs = append(l.msgs, msg)
	if over := len(l.msgs) - s.retention; over > 0 {
		clear(l.msgs[:over])
		l.msgs = append(l.msgs[:0], l.msgs[over:]...)
		l.first += uint64(over)
	}
	return l.head(), nil
}

func (s *Store) Range(key string, after uint64, limit int) ([]message.Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, bus.ErrClosed
	}
	l, ok := s.logs[key]
	if !ok || len(l.msgs) == 0 || after >= l.head() || limit <= 0 {
		return nil, nil
	}
	from := after + 1
	if from < l.first {
		from = l.first
	}
	i := int(from - l.first)
	n := min(len(l.msgs)-i, limit)

	out := make([]message.Pending, 0, n)
	for k := 0; k < n; k++ {
		out = append(out, message.Pending{Topic: key, Seq: from + uint64(k), Message: l.msgs[i+k]})
	}
	return out, nil
}

func (s *Store) Head(key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, bus.ErrClosed
	}
	l, ok := s.logs[key]
	if !ok || len(l.msgs) == 0 {
		return 0, nil
	}
	return l.head(), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logs = nil
	return nil
}
