// Package framebus implements the shared-memory frame transport between
// the bridge process and native output helpers.
//
// A bus is a named region holding a fixed 128-byte header and a small ring
// of frame slots. Exactly one process writes; any number of processes read.
// Publication is a single release-store of the sequence counter, so the
// frame path performs no locks and no syscalls. Readers always observe the
// most recently completed frame; a reader that falls behind misses frames
// rather than stalling the writer.
//
// The region layout is fixed and little-endian so that helpers written in
// other languages can map the same bytes. The writer owns the region
// lifetime: closing the writer unlinks the backing object, closing a
// reader only drops its own mapping.
package framebus

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
)

// Header constants. The header occupies the first 128 bytes of the region
// and every field is little-endian.
const (
	Magic      uint32 = 0x46475242
	Version    uint16 = 1
	HeaderSize        = 128

	// MinSlotCount guarantees the slot being written is never the slot
	// readers are directed to.
	MinSlotCount = 2

	maxNameLen = 240
)

// Header field offsets within the region.
const (
	offMagic       = 0x00
	offVersion     = 0x04
	offFlags       = 0x06
	offHeaderSize  = 0x08
	offWidth       = 0x0C
	offHeight      = 0x10
	offFPS         = 0x14
	offPixelFormat = 0x18
	offFrameSize   = 0x1C
	offSlotCount   = 0x20
	offSlotStride  = 0x24
	offSeq         = 0x28
	offLastWriteNs = 0x30
)

// PixelFormat identifies the pixel layout of every slot in a bus.
type PixelFormat uint32

const (
	PixelFormatRGBA8 PixelFormat = 1
	PixelFormatBGRA8 PixelFormat = 2
	PixelFormatARGB8 PixelFormat = 3
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA8:
		return "rgba8"
	case PixelFormatBGRA8:
		return "bgra8"
	case PixelFormatARGB8:
		return "argb8"
	default:
		return fmt.Sprintf("pixel_format(%d)", uint32(f))
	}
}

// BytesPerPixel returns the per-pixel byte count, or 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGBA8, PixelFormatBGRA8, PixelFormatARGB8:
		return 4
	default:
		return 0
	}
}

// Format describes the frames carried by a bus.
type Format struct {
	Width       uint32
	Height      uint32
	FPS         uint32
	PixelFormat PixelFormat
}

// FrameSize returns width*height*bytesPerPixel, erroring when the format is
// degenerate or the product overflows the header's 32-bit frame_size field.
func (f Format) FrameSize() (uint32, error) {
	if f.Width == 0 || f.Height == 0 || f.FPS == 0 {
		return 0, fmt.Errorf("%w: %dx%d@%d", ErrInvalidSize, f.Width, f.Height, f.FPS)
	}
	bpp := f.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.PixelFormat)
	}
	size := uint64(f.Width) * uint64(f.Height) * uint64(bpp)
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%w: frame size %d exceeds 32-bit limit", ErrInvalidSize, size)
	}
	return uint32(size), nil
}

// Frame is one published frame. Data aliases the mapped slot: it stays
// valid until the handle is closed, and its bytes may be overwritten once
// the writer laps the ring (roughly slotCount-1 frame intervals later).
// Callers that need a stable copy must copy promptly.
type Frame struct {
	Seq         uint64
	TimestampNs uint64
	Data        []byte
}

var (
	// ErrInvalidName rejects bus names that are unsafe as a path component.
	ErrInvalidName = errors.New("framebus: invalid bus name")

	// ErrInvalidSize rejects degenerate geometry, slot counts below
	// MinSlotCount, and size arithmetic that overflows the header fields.
	ErrInvalidSize = errors.New("framebus: invalid size")

	// ErrUnsupportedFormat rejects pixel formats a writer cannot produce.
	// BGRA8 and ARGB8 are reserved wire values; only RGBA8 is accepted.
	ErrUnsupportedFormat = errors.New("framebus: unsupported pixel format")

	// ErrBadHeader reports an existing region whose header fails validation.
	ErrBadHeader = errors.New("framebus: bad or incompatible header")

	// ErrClosed reports an operation on a closed handle.
	ErrClosed = errors.New("framebus: use after close")
)

// FrameSizeError reports a WriteFrame payload whose length does not match
// the bus frame size exactly. The bus is left untouched.
type FrameSizeError struct {
	Got  int
	Want int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("framebus: frame size mismatch: got %d bytes, want %d", e.Got, e.Want)
}

// validateName accepts names usable verbatim as a file name in the shared
// memory directory: ASCII letters, digits, '.', '_', '-', at most
// maxNameLen bytes, not empty, not starting with '.'.
func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// regionPath maps a bus name to its backing file.
func regionPath(name string) string {
	return filepath.Join(shmDir(), name)
}

// regionSize returns the total byte size of a region, checking that the
// result fits in an int (mmap length).
func regionSize(frameSize, slotCount uint32) (int, error) {
	total := uint64(HeaderSize) + uint64(frameSize)*uint64(slotCount)
	if total > uint64(math.MaxInt) {
		return 0, fmt.Errorf("%w: region size overflow", ErrInvalidSize)
	}
	return int(total), nil
}
