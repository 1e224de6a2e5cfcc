package bufpool

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := &Pool{MaxCap: 1024}
	b := p.Get()
	b.WriteString("data: {}\n\n")
	p.Put(b)

	b = p.Get()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %q", b.String())
	}
}

func TestPutDropsGrownBuffer(t *testing.T) {
	p := &Pool{MaxCap: 64}
	b := p.Get()
	b.Grow(1024)
	p.Put(b)
	p.Put(nil)

	// sync.Pool may drop anything, so only the grown buffer's absence is
	// checked.
	for i := 0; i < 10; i++ {
		if got := p.Get(); got == b {
			t.Fatal("oversized buffer came back from the pool")
		}
	}
}

func TestUnboundedPoolKeepsLargeBuffers(t *testing.T) {
	p := &Pool{}
	b := p.Get()
	b.Grow(1 << 20)
	p.Put(b)
	if got := p.Get(); got.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", got.Len())
	}
}

func TestConcurrentFrames(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Frames.With(func(b *bytes.Buffer) error {
				b.WriteString(`data: {"C":"x","M":[]}`)
				if b.String() != `data: {"C":"x","M":[]}` {
					return errors.New("buffer shared between writers")
				}
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestWithPassesError(t *testing.T) {
	boom := errors.New("boom")
	called := false
	err := Frames.With(func(b *bytes.Buffer) error {
		called = true
		b.WriteString("partial frame")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if !called {
		t.Fatal("callback was not invoked")
	}
}

func TestWithReturnsBufferOnPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic to propagate")
		}
	}()
	_ = Frames.With(func(b *bytes.Buffer) error {
		b.WriteString("data: ")
		panic("encoder blew up")
	})
}
