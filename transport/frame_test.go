package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{
		[]byte(ControlImageReceived),
		EncodeVideoHeader(4096),
		{},
		bytes.Repeat([]byte{0xab}, 70000),
	}

	for _, p := range payloads {
		require.NoError(t, writeFrame(&buf, p))
	}

	r := bufio.NewReader(&buf)
	for i, want := range payloads {
		got, err := readFrame(r)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got, "frame %d", i)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:n])

	_, err := readFrame(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("truncate me")))
	data := buf.Bytes()[:buf.Len()-3]

	_, err := readFrame(bufio.NewReader(bytes.NewReader(data)))
	assert.Error(t, err)
}

func TestJSONFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSONFrame(&buf, resourceHeader{Name: "clip.mp4", Size: 123456}))

	var header resourceHeader
	require.NoError(t, readJSONFrame(bufio.NewReader(&buf), &header))
	assert.Equal(t, "clip.mp4", header.Name)
	assert.Equal(t, int64(123456), header.Size)
}
