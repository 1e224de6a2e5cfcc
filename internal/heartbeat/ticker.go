package heartbeat

import (
	"sync"
	"time"
)

// Ticker fans one time.Ticker out to any number of subscribers.
type Ticker struct {
	mux         sync.Mutex // Protects subscribers and dropped
	subscribers map[*Subscription]struct{}
	dropped     int

	tickerMux sync.Mutex // Used to sync start/stop
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   bool
}

// Subscription receives the ticks of a Ticker on C.
type Subscription struct {
	C    <-chan time.Time
	tick chan time.Time
}

// NewTicker creates and starts a ticker firing every interval.
func NewTicker(interval time.Duration) *Ticker {
	t := &Ticker{
		subscribers: make(map[*Subscription]struct{}),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Subscribe returns a subscription to which ticks will be delivered. Ticks
// that can't be delivered, because the subscriber is not ready to receive,
// are discarded and counted.
func (t *Ticker) Subscribe() *Subscription {
	tick := make(chan time.Time, 1)
	sub := &Subscription{C: tick, tick: tick}

	t.tickerMux.Lock()
	defer t.tickerMux.Unlock()
	if t.stopped {
		close(tick)
		return sub
	}

	t.mux.Lock()
	t.subscribers[sub] = struct{}{}
	t.mux.Unlock()
	return sub
}

// Unsubscribe closes sub's channel. Unsubscribing twice, or after Stop, is a
// no-op.
func (t *Ticker) Unsubscribe(sub *Subscription) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	close(sub.tick)
	delete(t.subscribers, sub)
}

// Stop stops the ticker and closes all subscribed channels.
func (t *Ticker) Stop() {
	t.tickerMux.Lock()
	defer t.tickerMux.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopCh)

	t.mux.Lock()
	for sub := range t.subscribers {
		close(sub.tick)
		delete(t.subscribers, sub)
	}
	t.mux.Unlock()
}

// Dropped returns how many ticks were discarded because a subscriber was
// busy.
func (t *Ticker) Dropped() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.dropped
}

func (t *Ticker) run() {
	for {
		select {
		case tick := <-t.ticker.C:
			t.mux.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- tick:
				default:
					t.dropped++
				}
			}
			t.mux.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
