package ingest

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader replays chunks; an empty chunk simulates a read timeout.
type chunkReader struct {
	chunks []string
	closed bool
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return copy(p, chunk), nil
}

func (c *chunkReader) Close() error {
	c.closed = true
	return nil
}

func TestLineReaderSplitsChunks(t *testing.T) {
	r := &chunkReader{chunks: []string{"Setpoint Corr", "ente = 1\r\nsecond", " line\nthird\n"}}
	lr := NewLineReader(r)

	for _, want := range []string{"Setpoint Corrente = 1", "second line", "third"} {
		got, err := lr.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, lr.Close())
	assert.True(t, r.closed)
}

func TestLineReaderTimeout(t *testing.T) {
	lr := NewLineReader(&chunkReader{chunks: []string{"", "partial", "", "next\n"}})

	got, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Empty(t, got, "timeout without data")

	got, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "partial", got, "timeout returns what arrived so far")

	got, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", got)
}

func TestLineReaderInvalidUTF8(t *testing.T) {
	lr := NewLineReader(&chunkReader{chunks: []string{"\xff\xfe\n", "ok\n"}})

	_, err := lr.ReadLine()
	require.Error(t, err)

	got, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }

func TestLineReaderPropagatesErrors(t *testing.T) {
	lr := NewLineReader(failingReader{})
	_, err := lr.ReadLine()
	assert.EqualError(t, err, "device gone")
	assert.NoError(t, lr.Close())
}
