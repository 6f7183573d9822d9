package transport

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Control message sentinels exchanged as plain UTF-8 strings over the
// session's byte-message channel, independent of resource transport.
const (
	// ControlImageReceived confirms delivery of a received media item.
	ControlImageReceived = "IMAGE_RECEIVED"
	// ControlMoveModeEnabled signals the remote UI entered move mode.
	ControlMoveModeEnabled = "MOVE_MODE_ENABLED"
	// ControlMoveModeDisabled signals the remote UI left move mode.
	ControlMoveModeDisabled = "MOVE_MODE_DISABLED"
	// ControlVideoComplete terminates a chunked video stream.
	ControlVideoComplete = "VIDEO_COMPLETE"
	// ControlVideoError reports that a received video could not be saved.
	ControlVideoError = "VIDEO_ERROR"
)

// ErrNotVideoHeader indicates the payload is not a video metadata header.
var ErrNotVideoHeader = errors.New("payload is not a video header")

// MessageKind classifies an inbound byte message.
type MessageKind uint8

const (
	// KindChunk is raw video chunk data for an open accumulator.
	KindChunk MessageKind = iota
	// KindControl is one of the sentinel control strings.
	KindControl
	// KindVideoHeader is the JSON header that opens a chunked video stream.
	KindVideoHeader
)

// VideoHeader precedes a chunked video stream. The size travels as a
// decimal string for compatibility with the original wire format.
type VideoHeader struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

// EncodeVideoHeader builds the JSON header announcing a chunked video of
// the given size.
func EncodeVideoHeader(size int64) []byte {
	data, _ := json.Marshal(VideoHeader{
		Type: "video",
		Size: strconv.FormatInt(size, 10),
	})
	return data
}

// ParseVideoHeader decodes a video metadata header, returning the declared
// stream size. It returns ErrNotVideoHeader for payloads that are not a
// well-formed header, which callers use to fall through to chunk handling.
func ParseVideoHeader(data []byte) (int64, error) {
	var header VideoHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return 0, ErrNotVideoHeader
	}
	if header.Type != "video" {
		return 0, ErrNotVideoHeader
	}

	size, err := strconv.ParseInt(header.Size, 10, 64)
	if err != nil || size < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ParseVideoHeader",
			"size":     header.Size,
		}).Warn("Video header carries an invalid size")
		return 0, ErrNotVideoHeader
	}

	return size, nil
}

// Classify determines how an inbound byte message should be handled.
// Sentinel strings win over header parsing; anything else that is not a
// valid video header is chunk data.
func Classify(data []byte) MessageKind {
	switch string(data) {
	case ControlImageReceived, ControlMoveModeEnabled, ControlMoveModeDisabled,
		ControlVideoComplete, ControlVideoError:
		return KindControl
	}

	if _, err := ParseVideoHeader(data); err == nil {
		return KindVideoHeader
	}

	return KindChunk
}
