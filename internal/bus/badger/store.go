// Package badger keeps bus logs in BadgerDB so they survive restarts.
package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/dgraph-io/badger/v4"
)

var _ bus.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
	// InMemory runs without touching disk; Dir is ignored.
	InMemory bool
	// Retention is how long messages are kept; zero keeps them forever.
	Retention time.Duration
}

// record is the stored form of a message. Values are always kept encoded,
// so messages come back as pre-encoded payloads.
type record struct {
	Key       string          `json:"k"`
	Value     json.RawMessage `json:"v"`
	IsCommand bool            `json:"c,omitempty"`
	Source    string          `json:"s,omitempty"`
	Exclude   []string        `json:"x,omitempty"`
}

// Store implements bus.Store on BadgerDB.
//
// Key format:
//   - Message: m/{len(key)}:{key}/{seq as 8 bytes big endian}
//   - Head:    s/{len(key)}:{key}
//
// The length prefix keeps the log of "a" from sharing a prefix with "a/b".
type Store struct {
	db        *badger.DB
	retention time.Duration

	// appends serializes sequence allocation.
	appends sync.Mutex

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:        db,
		retention: cfg.Retention,
		gcStopCh:  make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC()
	}
	return s, nil
}

func logPrefix(key string) []byte {
	return []byte("m/" + strconv.Itoa(len(key)) + ":" + key + "/")
}

func messageKey(key string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(key), seq)
}

func headKey(key string) []byte {
	return []byte("s/" + strconv.Itoa(len(key)) + ":" + key)
}

func (s *Store) Append(key string, msg *message.Message) (uint64, error) {
	raw, err := msg.Value.Encode(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message value: %w", err)
	}
	data, err := json.Marshal(record{
		Key:       msg.Key,
		Value:     raw,
		IsCommand: msg.IsCommand,
		Source:    msg.Source,
		Exclude:   msg.Exclude,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	s.appends.Lock()
	defer s.appends.Unlock()

	var seq uint64
	err = s.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, key)
		if err != nil {
			return err
		}
		seq = head + 1

		entry := badger.NewEntry(messageKey(key, seq), data)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		return txn.Set(headKey(key), binary.BigEndian.AppendUint64(nil, seq))
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return 0, bus.ErrClosed
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) Range(key string, after uint64, limit int) ([]message.Pending, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []message.Pending

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = logPrefix(key)
		opts.PrefetchSize = min(limit, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(key, after+1)); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			k := item.Key()
			seq := binary.BigEndian.Uint64(k[len(k)-8:])

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			out = append(out, message.Pending{
				Topic: key,
				Seq:   seq,
				Message: &message.Message{
					Key:       rec.Key,
					Value:     message.PreEncoded(rec.Value),
					IsCommand: rec.IsCommand,
					Source:    rec.Source,
					Exclude:   rec.Exclude,
				},
			})
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, bus.ErrClosed
	}
	return out, err
}

func (s *Store) Head(key string) (uint64, error) {
	var head uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, key)
		return err
	})
	return head, err
}

func readHead(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get(headKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var head uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt head for %q", key)
		}
		head = binary.BigEndian.Uint64(val)
		return nil
	})
	return head, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
