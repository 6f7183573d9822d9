package transfer

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrAccumulatorOverflow indicates chunk data past the declared size.
var ErrAccumulatorOverflow = errors.New("chunk data exceeds declared video size")

// videoAccumulator collects raw chunks for an inbound streamed video.
// The size header that opened the stream fixes its capacity; chunks are
// assumed in order, which the session's ordered message channel
// guarantees.
type videoAccumulator struct {
	buf      []byte
	expected int64
}

// newVideoAccumulator allocates an accumulator for a stream of the
// declared size.
func newVideoAccumulator(size int64) *videoAccumulator {
	logrus.WithFields(logrus.Fields{
		"function": "newVideoAccumulator",
		"size":     size,
	}).Info("Allocating video accumulator")

	return &videoAccumulator{
		buf:      make([]byte, 0, size),
		expected: size,
	}
}

// append adds one chunk, rejecting bytes past the declared size.
func (a *videoAccumulator) append(chunk []byte) error {
	if int64(len(a.buf))+int64(len(chunk)) > a.expected {
		logrus.WithFields(logrus.Fields{
			"function":   "append",
			"received":   len(a.buf),
			"chunk_size": len(chunk),
			"expected":   a.expected,
		}).Error("Chunk overflows declared video size")
		return ErrAccumulatorOverflow
	}
	a.buf = append(a.buf, chunk...)
	return nil
}

// received returns the bytes accumulated so far.
func (a *videoAccumulator) received() int64 {
	return int64(len(a.buf))
}

// complete reports whether every declared byte has arrived.
func (a *videoAccumulator) complete() bool {
	return int64(len(a.buf)) == a.expected
}

// bytes returns the accumulated payload.
func (a *videoAccumulator) bytes() []byte {
	return a.buf
}
