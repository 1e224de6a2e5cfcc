// Package heartbeat tracks connection liveness. Connections are marked
// whenever they show activity; a periodic sweep evicts the ones that stayed
// quiet for too long and sends keep-alives to the rest.
package heartbeat

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Automattic/pushhub/internal/metrics"
)

// Tracked is what the monitor needs from a connection.
type Tracked interface {
	ConnectionID() string
	// Disconnect is called once when the connection is evicted or replaced.
	Disconnect()
	KeepAlive()
	SupportsKeepAlive() bool
}

type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// DisconnectTimeout is how long a connection may go without being
	// marked before it is evicted.
	DisconnectTimeout time.Duration
	// KeepAlive is the interval between keep-alives; zero disables them.
	KeepAlive time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          2 * time.Second,
		DisconnectTimeout: 30 * time.Second,
		KeepAlive:         10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.DisconnectTimeout <= c.Interval {
		return errors.New("heartbeat disconnect timeout must exceed the interval")
	}
	if c.KeepAlive < 0 {
		return errors.New("heartbeat keep-alive cannot be negative")
	}
	return nil
}

// Metadata is the monitor's record of one connection.
type Metadata struct {
	Connection Tracked
	Added      time.Time

	lastMarked    atomic.Int64
	lastKeepAlive atomic.Int64
}

func (md *Metadata) LastMarked() time.Time {
	return time.Unix(0, md.lastMarked.Load())
}

func (md *Metadata) LastKeepAlive() time.Time {
	return time.Unix(0, md.lastKeepAlive.Load())
}

// Monitor is the registry of live connections, keyed by connection id.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	conns map[string]*Metadata

	lifecycle sync.Mutex
	ticker    *Ticker
	done      chan struct{}
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		conns:   make(map[string]*Metadata),
	}
}

// Start runs the sweep every cfg.Interval until Stop.
func (m *Monitor) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.ticker != nil {
		return
	}

	m.ticker = NewTicker(m.cfg.Interval)
	m.done = make(chan struct{})
	sub := m.ticker.Subscribe()

	go func() {
		defer close(m.done)
		for range sub.C {
			m.Sweep()
		}
	}()

	m.logger.Info("heartbeat_started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("disconnect_timeout", m.cfg.DisconnectTimeout),
		slog.Duration("keep_alive", m.cfg.KeepAlive))
}

// Stop ends the sweep and waits for a running one to finish. Tracked
// connections are left alone.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	<-m.done
	m.ticker = nil

	m.logger.Info("heartbeat_stopped")
}

// AddOrUpdate tracks c, replacing any connection with the same id. The
// replaced connection, if any, is returned and told to disconnect.
func (m *Monitor) AddOrUpdate(c Tracked) (Tracked, bool) {
	now := m.now()
	md := &Metadata{Connection: c, Added: now}
	md.lastMarked.Store(now.UnixNano())
	md.lastKeepAlive.Store(now.UnixNano())

	id := c.ConnectionID()
	m.mu.Lock()
	old, ok := m.conns[id]
	m.conns[id] = md
	m.mu.Unlock()

	if !ok {
		return nil, false
	}
	if old.Connection != c {
		m.logger.Debug("heartbeat_connection_replaced", slog.String("connection_id", id))
		old.Connection.Disconnect()
	}
	return old.Connection, true
}

// Mark records activity on c. It has no effect if c is not the connection
// currently tracked under its id.
func (m *Monitor) Mark(c Tracked) {
	m.mu.RLock()
	md, ok := m.conns[c.ConnectionID()]
	m.mu.RUnlock()
	if ok && md.Connection == c {
		md.lastMarked.Store(m.now().UnixNano())
	}
}

// Remove stops tracking c without notifying it.
func (m *Monitor) Remove(c Tracked) bool {
	id := c.ConnectionID()
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.conns[id]
	if !ok || md.Connection != c {
		return false
	}
	delete(m.conns, id)
	return true
}

func (m *Monitor) List() []Tracked {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tracked, 0, len(m.conns))
	for _, md := range m.conns {
		out = append(out, md.Connection)
	}
	return out
}

func (m *Monitor) Lookup(id string) (*Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.conns[id]
	return md, ok
}

func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Sweep evicts idle connections and sends due keep-alives. It works on a
// snapshot, so connections added or removed meanwhile are handled by the
// next sweep.
func (m *Monitor) Sweep() {
	m.mu.RLock()
	snapshot := make([]*Metadata, 0, len(m.conns))
	for _, md := range m.conns {
		snapshot = append(snapshot, md)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, md := range snapshot {
		idle := now.Sub(md.LastMarked())
		if idle > m.cfg.DisconnectTimeout {
			m.evict(md, idle)
			continue
		}
		if m.cfg.KeepAlive > 0 && md.Connection.SupportsKeepAlive() &&
			now.Sub(md.LastKeepAlive()) >= m.cfg.KeepAlive {
			md.lastKeepAlive.Store(now.UnixNano())
			md.Connection.KeepAlive()
		}
	}
}

func (m *Monitor) evict(md *Metadata, idle time.Duration) {
	id := md.Connection.ConnectionID()

	m.mu.Lock()
	current, ok := m.conns[id]
	if !ok || current != md {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	m.mu.Unlock()

	m.metrics.Incr("heartbeat.evictions", 1)
	m.logger.Info("heartbeat_connection_evicted",
		slog.String("connection_id", id),
		slog.Duration("idle", idle))
	md.Connection.Disconnect()
}
