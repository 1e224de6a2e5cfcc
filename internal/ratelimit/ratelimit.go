// Package ratelimit throttles inbound traffic per key, where a key is a
// connection id for client sends or a remote address for new connections.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCleanup = 5 * time.Minute

// Limiter keeps one token bucket per key. A nil Limiter, or one built with
// a non-positive rate, allows everything.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing r events per second with the given burst.
// Buckets unused for twice the cleanup interval are discarded.
func New(r float64, burst int, cleanup time.Duration) *Limiter {
	if r <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if cleanup <= 0 {
		cleanup = defaultCleanup
	}
	l := &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one more event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets key, typically once its connection is gone.
func (l *Limiter) Remove(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// HostKey strips the port from a "host:port" remote address.
func HostKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
