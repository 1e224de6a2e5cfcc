package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	l := New(5, 2, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("conn1"), "first event is within burst")
	assert.True(t, l.Allow("conn1"), "second event is within burst")
	assert.False(t, l.Allow("conn1"), "burst exhausted")

	// Separate keys have separate buckets.
	assert.True(t, l.Allow("conn2"))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Allow("conn1"), "token refilled")
}

func TestDisabled(t *testing.T) {
	l := New(0, 10, time.Minute)
	assert.Nil(t, l)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("conn1"))
	}
	l.Remove("conn1")
	l.Stop()
	assert.Equal(t, 0, l.Len())
}

func TestEmptyKeyAllowed(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(""))
	assert.True(t, l.Allow(""))
	assert.Equal(t, 0, l.Len())
}

func TestRemove(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("conn1"))
	assert.False(t, l.Allow("conn1"))
	l.Remove("conn1")
	assert.True(t, l.Allow("conn1"))
}

func TestRemoveStale(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()
	l.Stop()

	l.Allow("old")
	l.Allow("new")
	l.mu.Lock()
	l.limiters["old"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.removeStale(time.Now().Add(-2 * time.Minute))
	assert.Equal(t, 1, l.Len())
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "192.168.1.1", HostKey("192.168.1.1:1234"))
	assert.Equal(t, "::1", HostKey("[::1]:80"))
	assert.Equal(t, "pipe", HostKey("pipe"))
}
