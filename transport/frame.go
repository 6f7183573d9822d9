package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single control frame to prevent resource
// exhaustion from a malformed length prefix. Control messages are short;
// bulk media never travels in a single frame.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge indicates a frame length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum allowed size")

// writeFrame writes a uvarint length prefix followed by the payload.
func writeFrame(w io.Writer, data []byte) error {
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(data)))

	if _, err := w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// helloFrame opens the control stream and carries the invite context.
type helloFrame struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

// resourceHeader announces a resource on its dedicated stream.
type resourceHeader struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// writeJSONFrame marshals v and writes it as a single frame.
func writeJSONFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return writeFrame(w, data)
}

// readJSONFrame reads one frame and unmarshals it into v.
func readJSONFrame(r *bufio.Reader, v interface{}) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
