package zlibstream

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressStream deflates each message against a single zlib context and
// returns the bytes emitted for every message, each ending in a sync flush.
func compressStream(t *testing.T, messages ...string) [][]byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)
	frames := make([][]byte, 0, len(messages))

	for _, message := range messages {
		_, err := writer.Write([]byte(message))
		require.NoError(t, err)
		require.NoError(t, writer.Flush())

		frames = append(frames, bytes.Clone(buf.Bytes()))
		buf.Reset()
	}

	return frames
}

func TestDecompressSingleFrames(t *testing.T) {
	t.Parallel()

	messages := []string{
		`{"op":10,"d":{"heartbeat_interval":41250}}`,
		`{"op":11,"d":null}`,
		`{"op":0,"s":1,"t":"READY","d":{"session_id":"abc"}}`,
		`{"op":11,"d":null}`,
	}

	frames := compressStream(t, messages...)
	decompressor := NewDecompressor()

	for i, frame := range frames {
		assert.True(t, bytes.HasSuffix(frame, syncMarker))

		text, ok, err := decompressor.Decompress(frame)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, messages[i], string(text))
		assert.False(t, decompressor.Pending())
	}
}

func TestDecompressFragmented(t *testing.T) {
	t.Parallel()

	message := `{"op":0,"s":42,"t":"GUILD_CREATE","d":{"name":"` + strings.Repeat("sandwich", 64) + `"}}`
	frame := compressStream(t, message)[0]

	for k := 1; k < len(frame); k++ {
		if bytes.HasSuffix(frame[:k], syncMarker) {
			// The marker can legitimately appear inside the payload.
			continue
		}

		decompressor := NewDecompressor()

		text, ok, err := decompressor.Decompress(frame[:k])
		require.NoError(t, err)
		assert.False(t, ok, "split %d should be incomplete", k)
		assert.Nil(t, text)
		assert.True(t, decompressor.Pending())

		text, ok, err = decompressor.Decompress(frame[k:])
		require.NoError(t, err)
		require.True(t, ok, "split %d should complete", k)
		assert.Equal(t, message, string(text))
		assert.False(t, decompressor.Pending())
	}
}

func TestDecompressLargeMessage(t *testing.T) {
	t.Parallel()

	var builder strings.Builder

	for i := 0; builder.Len() < 512*1024; i++ {
		fmt.Fprintf(&builder, `{"id":"%d","name":"member-%d"},`, i, i*7919)
	}

	large := `[` + strings.TrimSuffix(builder.String(), ",") + `]`
	frames := compressStream(t, large, `{"op":11}`)
	decompressor := NewDecompressor()

	text, ok, err := decompressor.Decompress(frames[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, string(text))

	text, ok, err = decompressor.Decompress(frames[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"op":11}`, string(text))
}

func TestDecompressContextSurvivesFragments(t *testing.T) {
	t.Parallel()

	messages := []string{`{"op":10}`, `{"op":0,"t":"READY"}`, `{"op":0,"t":"READY"}`}
	frames := compressStream(t, messages...)
	decompressor := NewDecompressor()

	text, ok, err := decompressor.Decompress(frames[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, messages[0], string(text))

	second := frames[1]
	half := len(second) / 2

	_, ok, err = decompressor.Decompress(second[:half])
	require.NoError(t, err)
	assert.False(t, ok)

	text, ok, err = decompressor.Decompress(second[half:])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, messages[1], string(text))

	text, ok, err = decompressor.Decompress(frames[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, messages[2], string(text))
}

func TestDecompressInvalidData(t *testing.T) {
	t.Parallel()

	decompressor := NewDecompressor()

	_, ok, err := decompressor.Decompress([]byte{0x01, 0x02, 0x00, 0x00, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrDecompress)
	assert.False(t, ok)
	assert.False(t, decompressor.Pending())
}

func TestDecompressInvalidUTF8(t *testing.T) {
	t.Parallel()

	frames := compressStream(t, string([]byte{0xff, 0xfe, 0xfd}))
	decompressor := NewDecompressor()

	_, ok, err := decompressor.Decompress(frames[0])
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	t.Parallel()

	first := compressStream(t, `{"op":10}`, `{"op":11}`)
	second := compressStream(t, `{"op":10,"d":{"heartbeat_interval":45000}}`)

	decompressor := NewDecompressor()

	_, ok, err := decompressor.Decompress(first[0])
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = decompressor.Decompress(first[1][:2])
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, decompressor.Pending())

	decompressor.Reset()
	assert.False(t, decompressor.Pending())

	text, ok, err := decompressor.Decompress(second[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"op":10,"d":{"heartbeat_interval":45000}}`, string(text))
}

func TestDecompressAcrossWindowBoundary(t *testing.T) {
	t.Parallel()

	// Each message fills the inflater window exactly, so its output is
	// flushed before the sync block is read.
	var builder strings.Builder

	for i := 0; builder.Len() < windowSize; i++ {
		fmt.Fprintf(&builder, "%d,", i*31)
	}

	first := builder.String()[:windowSize]
	second := strings.Repeat("b", windowSize)
	messages := []string{first, second, `{"op":11}`, first}

	frames := compressStream(t, messages...)
	decompressor := NewDecompressor()

	for i, frame := range frames {
		text, ok, err := decompressor.Decompress(frame)
		require.NoError(t, err, "message %d", i)
		require.True(t, ok)
		assert.Equal(t, messages[i], string(text), "message %d", i)
	}
}

func TestDecompressInvalidHeader(t *testing.T) {
	t.Parallel()

	decompressor := NewDecompressor()

	_, _, err := decompressor.Decompress(syncMarker)
	assert.ErrorIs(t, err, ErrHeader)
}

func TestWindow(t *testing.T) {
	t.Parallel()

	w := &window{}
	w.Write([]byte("abc"))
	assert.Equal(t, []byte("abc"), w.Bytes())

	w.Write(bytes.Repeat([]byte("x"), windowSize-1))
	w.Write([]byte("yz"))

	expected := append(bytes.Repeat([]byte("x"), windowSize-2), 'y', 'z')
	assert.Equal(t, expected, w.Bytes())

	large := bytes.Repeat([]byte("0123456789"), windowSize/5)
	w.Write(large)
	assert.Equal(t, large[len(large)-windowSize:], w.Bytes())

	w.Reset()
	assert.Empty(t, w.Bytes())
}
