// Package playback implements the binary frame stream a playback helper
// consumes on stdin when shared memory is not in use.
//
// The stream is a sequence of records, each a fixed 28-byte big-endian
// header optionally followed by a payload. Unlike the frame bus this path
// copies every frame through a pipe, so it is the fallback transport; the
// record framing is deliberately dumb so a helper can implement it in a
// few dozen lines of C++.
package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants. The header is big-endian end to end.
const (
	Magic   uint32 = 0x42524746
	Version uint16 = 1

	headerSize = 28

	// maxPayload bounds a record length before allocation. An 8K RGBA
	// frame is ~132 MiB, so 256 MiB leaves headroom without letting a
	// corrupt length field allocate the machine away.
	maxPayload = 256 << 20
)

// RecordType discriminates stream records.
type RecordType uint16

const (
	// RecordFrame carries one complete frame as payload.
	RecordFrame RecordType = 1
	// RecordShutdown asks the consumer to finish and exit; no payload.
	RecordShutdown RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordFrame:
		return "frame"
	case RecordShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("record_type(%d)", uint16(t))
	}
}

// Record is one decoded stream record. Payload is nil for shutdown records.
type Record struct {
	Type        RecordType
	Width       uint32
	Height      uint32
	TimestampNs uint64
	Payload     []byte
}

var (
	// ErrBadMagic reports a header that does not start a record. The
	// stream has lost framing and cannot be resynchronized.
	ErrBadMagic = errors.New("playback: bad record magic")

	// ErrBadVersion reports a protocol version this side does not speak.
	ErrBadVersion = errors.New("playback: unsupported protocol version")

	// ErrPayloadTooLarge reports a length field beyond the sanity bound.
	ErrPayloadTooLarge = errors.New("playback: payload length exceeds limit")

	// ErrFormatMismatch is returned by consumers when a frame record's
	// geometry disagrees with the negotiated format.
	ErrFormatMismatch = errors.New("playback: frame geometry mismatch")
)

// StreamWriter encodes records onto w. Not safe for concurrent use.
type StreamWriter struct {
	w   io.Writer
	hdr [headerSize]byte
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// WriteFrame emits one frame record.
func (sw *StreamWriter) WriteFrame(width, height uint32, timestampNs uint64, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	sw.encodeHeader(RecordFrame, width, height, timestampNs, uint32(len(payload)))
	if _, err := sw.w.Write(sw.hdr[:]); err != nil {
		return fmt.Errorf("playback: write header: %w", err)
	}
	if _, err := sw.w.Write(payload); err != nil {
		return fmt.Errorf("playback: write payload: %w", err)
	}
	return nil
}

// WriteShutdown emits the shutdown record. The stream carries nothing
// after it.
func (sw *StreamWriter) WriteShutdown() error {
	sw.encodeHeader(RecordShutdown, 0, 0, 0, 0)
	if _, err := sw.w.Write(sw.hdr[:]); err != nil {
		return fmt.Errorf("playback: write shutdown: %w", err)
	}
	return nil
}

func (sw *StreamWriter) encodeHeader(t RecordType, width, height uint32, timestampNs uint64, length uint32) {
	be := binary.BigEndian
	be.PutUint32(sw.hdr[0:], Magic)
	be.PutUint16(sw.hdr[4:], Version)
	be.PutUint16(sw.hdr[6:], uint16(t))
	be.PutUint32(sw.hdr[8:], width)
	be.PutUint32(sw.hdr[12:], height)
	be.PutUint64(sw.hdr[16:], timestampNs)
	be.PutUint32(sw.hdr[24:], length)
}

// StreamReader decodes records from r. Not safe for concurrent use.
type StreamReader struct {
	r   io.Reader
	hdr [headerSize]byte
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// ReadRecord reads the next record. A clean end of stream at a record
// boundary returns io.EOF; truncation inside a record surfaces
// io.ErrUnexpectedEOF. Records with unknown types are returned with their
// payload intact so callers can skip them without losing framing.
func (sr *StreamReader) ReadRecord() (*Record, error) {
	if _, err := io.ReadFull(sr.r, sr.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("playback: read header: %w", err)
	}

	be := binary.BigEndian
	if got := be.Uint32(sr.hdr[0:]); got != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, got)
	}
	if got := be.Uint16(sr.hdr[4:]); got != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, got)
	}

	rec := &Record{
		Type:        RecordType(be.Uint16(sr.hdr[6:])),
		Width:       be.Uint32(sr.hdr[8:]),
		Height:      be.Uint32(sr.hdr[12:]),
		TimestampNs: be.Uint64(sr.hdr[16:]),
	}
	length := be.Uint32(sr.hdr[24:])
	if length > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	if length > 0 {
		rec.Payload = make([]byte, length)
		if _, err := io.ReadFull(sr.r, rec.Payload); err != nil {
			// The header promised a payload, so end of stream here is a
			// truncated record, not a clean boundary.
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("playback: read %d byte payload: %w", length, err)
		}
	}
	return rec, nil
}
