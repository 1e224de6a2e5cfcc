package chunk

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *Parser, pieces ...[]byte) []string {
	t.Helper()
	var got []string
	for _, piece := range pieces {
		err := p.Feed(piece, func(record []byte) {
			got = append(got, string(record))
		})
		require.NoError(t, err)
	}
	return got
}

func TestFeedSingleChunk(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("hello\r\nworld\r\n"))
	assert.Equal(t, []string{"hello", "world"}, got)
	assert.Equal(t, 0, p.Buffered())
}

func TestFeedKeepsPartialRecord(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("one\r\ntw"))
	assert.Equal(t, []string{"one"}, got)
	assert.Equal(t, 2, p.Buffered())

	got = collect(t, p, []byte("o\r\n"))
	assert.Equal(t, []string{"two"}, got)
}

func TestFeedDelimiterSplitAcrossCalls(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("abc\r"), []byte("\ndef\r\n"))
	assert.Equal(t, []string{"abc", "def"}, got)
}

func TestFeedLoneCarriageReturnIsContent(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("a\r"), []byte("b\r\n"))
	assert.Equal(t, []string{"a\rb"}, got)

	got = collect(t, p, []byte("x\ny\r\n"))
	assert.Equal(t, []string{"x\ny"}, got)
}

func TestFeedPreservesWhitespace(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("  padded \t\r\n"))
	assert.Equal(t, []string{"  padded \t"}, got)
	assert.Equal(t, "padded", string(TrimLine([]byte(got[0]))))
}

func TestFeedEmptyRecords(t *testing.T) {
	p := New(0)
	defer p.Release()

	got := collect(t, p, []byte("\r\n\r\nx\r\n"))
	assert.Equal(t, []string{"", "", "x"}, got)
}

// Every split of m+"\r\n" into two or three pieces yields exactly m.
func TestFeedAllSplits(t *testing.T) {
	m := "the quick brown fox"
	input := []byte(m + "\r\n")

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			p := New(0)
			got := collect(t, p, input[:i], input[i:j], input[j:])
			p.Release()
			require.Equal(t, []string{m}, got, "split at %d,%d", i, j)
		}
	}
}

func TestFeedRandomSplits(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for n := 0; n < 200; n++ {
		size := rnd.Intn(3 * initialSize)
		var sb strings.Builder
		for i := 0; i < size; i++ {
			c := byte('a' + rnd.Intn(26))
			sb.WriteByte(c)
		}
		m := sb.String()
		input := []byte(m + "\r\n")

		p := New(0)
		var got []string
		for len(input) > 0 {
			k := 1 + rnd.Intn(len(input))
			err := p.Feed(input[:k], func(record []byte) {
				got = append(got, string(record))
			})
			require.NoError(t, err)
			input = input[k:]
		}
		p.Release()
		require.Equal(t, []string{m}, got)
	}
}

func TestFeedGrowsBuffer(t *testing.T) {
	p := New(0)
	defer p.Release()

	big := bytes.Repeat([]byte("z"), initialSize*3+17)
	got := collect(t, p, big[:100], big[100:initialSize+5], big[initialSize+5:], []byte("\r\n"))
	require.Len(t, got, 1)
	assert.Equal(t, string(big), got[0])
	assert.GreaterOrEqual(t, len(p.buf), len(big))
}

func TestFeedRecordTooLarge(t *testing.T) {
	p := New(8)
	defer p.Release()

	err := p.Feed([]byte("12345"), func([]byte) {})
	require.NoError(t, err)

	err = p.Feed([]byte("6789"), func([]byte) {})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestFeedRecordAtLimitWithSplitDelimiter(t *testing.T) {
	p := New(8)
	defer p.Release()

	got := collect(t, p, []byte("12345678\r"), []byte("\n"))
	assert.Equal(t, []string{"12345678"}, got)

	for i := 1; i < len("12345678\r\n"); i++ {
		q := New(8)
		in := []byte("12345678\r\n")
		got := collect(t, q, in[:i], in[i:])
		assert.Equal(t, []string{"12345678"}, got, "split at %d", i)
		q.Release()
	}
}

func TestFeedCarriageReturnPastLimitIsContent(t *testing.T) {
	p := New(8)
	defer p.Release()

	require.NoError(t, p.Feed([]byte("12345678\r"), func([]byte) {}))
	err := p.Feed([]byte("x"), func([]byte) {})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestFeedLargeRecordWithinLimitEmittedFromInput(t *testing.T) {
	p := New(8)
	defer p.Release()

	// Complete records are not bound by the carry-over limit.
	got := collect(t, p, []byte("0123456789abcdef\r\n"))
	assert.Equal(t, []string{"0123456789abcdef"}, got)
}

func TestReadLinePullMode(t *testing.T) {
	p := New(0)
	defer p.Release()

	require.NoError(t, p.Add([]byte("first\r\nsec")))

	line, ok := p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "first", string(line))

	_, ok = p.ReadLine()
	assert.False(t, ok)

	require.NoError(t, p.Add([]byte("ond\r")))
	_, ok = p.ReadLine()
	assert.False(t, ok)

	require.NoError(t, p.Add([]byte("\nthird\r\n")))
	line, ok = p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "second", string(line))

	line, ok = p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "third", string(line))

	_, ok = p.ReadLine()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Buffered())
}

func TestReadLineCompactsAndGrows(t *testing.T) {
	p := New(0)
	defer p.Release()

	record := strings.Repeat("r", 1000)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Add([]byte(record+"\r\n")))
		line, ok := p.ReadLine()
		require.True(t, ok)
		require.Equal(t, record, string(line))
	}

	long := strings.Repeat("L", initialSize*2)
	require.NoError(t, p.Add([]byte("x\r\n"+long[:10])))
	require.NoError(t, p.Add([]byte(long[10:]+"\r\n")))

	line, ok := p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "x", string(line))
	line, ok = p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, long, string(line))
}

func TestReadLineCompactsConsumedPrefix(t *testing.T) {
	p := New(0)
	defer p.Release()

	require.NoError(t, p.Add([]byte("a\r\n"+strings.Repeat("b", 3000))))
	line, ok := p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "a", string(line))

	require.NoError(t, p.Add([]byte(strings.Repeat("b", 1093)+"\r\n")))
	assert.Equal(t, initialSize, len(p.buf))

	line, ok = p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("b", 4093), string(line))
}

func TestAddRecordTooLarge(t *testing.T) {
	p := New(4)
	defer p.Release()

	assert.NoError(t, p.Add([]byte("ok\r\nabc")))
	assert.ErrorIs(t, p.Add([]byte("de")), ErrRecordTooLarge)
}

func TestAddRecordAtLimitWithSplitDelimiter(t *testing.T) {
	p := New(8)
	defer p.Release()

	require.NoError(t, p.Add([]byte("12345678\r")))
	require.NoError(t, p.Add([]byte("\n")))
	line, ok := p.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "12345678", string(line))

	require.NoError(t, p.Add([]byte("12345678\r")))
	assert.ErrorIs(t, p.Add([]byte("x")), ErrRecordTooLarge)
}

func TestFeedDrainsAddedRecords(t *testing.T) {
	p := New(0)
	defer p.Release()

	require.NoError(t, p.Add([]byte("queued\r\npart")))
	got := collect(t, p, []byte("ial\r\n"))
	assert.Equal(t, []string{"queued", "partial"}, got)
}
