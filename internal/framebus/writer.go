package framebus

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Writer is the publishing side of a bus. A bus has exactly one writer; it
// creates the region and owns its lifetime. WriteFrame may race Close from
// another goroutine, Close wins and later writes return ErrClosed.
type Writer struct {
	mu     sync.RWMutex
	closed bool

	name      string
	path      string
	mem       []byte
	format    Format
	frameSize uint32
	slotCount uint32

	seq         *uint64
	lastWriteNs *uint64
}

// CreateWriter creates the named region and returns its writer. Creation is
// exclusive: an existing region with the same name fails the call. Stale
// regions left by a crashed writer must be removed (or a fresh name chosen)
// before the name is reusable.
func CreateWriter(name string, f Format, slotCount uint32) (*Writer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if f.PixelFormat != PixelFormatRGBA8 {
		return nil, fmt.Errorf("%w: %s is not writable", ErrUnsupportedFormat, f.PixelFormat)
	}
	frameSize, err := f.FrameSize()
	if err != nil {
		return nil, err
	}
	if slotCount < MinSlotCount {
		return nil, fmt.Errorf("%w: slot count %d, minimum %d", ErrInvalidSize, slotCount, MinSlotCount)
	}
	total, err := regionSize(frameSize, slotCount)
	if err != nil {
		return nil, err
	}

	path := regionPath(name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("framebus: create %q: %w", name, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(total)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("framebus: size %q to %d bytes: %w", name, total, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("framebus: map %q: %w", name, err)
	}

	w := &Writer{
		name:        name,
		path:        path,
		mem:         mem,
		format:      f,
		frameSize:   frameSize,
		slotCount:   slotCount,
		seq:         (*uint64)(unsafe.Pointer(&mem[offSeq])),
		lastWriteNs: (*uint64)(unsafe.Pointer(&mem[offLastWriteNs])),
	}
	w.writeHeader()
	return w, nil
}

// writeHeader populates the header. Magic goes last so a reader racing
// against creation sees either no magic or a complete header.
func (w *Writer) writeHeader() {
	le := binary.LittleEndian
	h := w.mem[:HeaderSize]
	le.PutUint16(h[offVersion:], Version)
	le.PutUint16(h[offFlags:], 0)
	le.PutUint32(h[offHeaderSize:], HeaderSize)
	le.PutUint32(h[offWidth:], w.format.Width)
	le.PutUint32(h[offHeight:], w.format.Height)
	le.PutUint32(h[offFPS:], w.format.FPS)
	le.PutUint32(h[offPixelFormat:], uint32(w.format.PixelFormat))
	le.PutUint32(h[offFrameSize:], w.frameSize)
	le.PutUint32(h[offSlotCount:], w.slotCount)
	le.PutUint32(h[offSlotStride:], w.frameSize)
	atomic.StoreUint64(w.seq, 0)
	atomic.StoreUint64(w.lastWriteNs, 0)
	le.PutUint32(h[offMagic:], Magic)
}

// WriteFrame copies data into the next slot and publishes it. The payload
// length must equal FrameSize exactly; on mismatch the bus is untouched and
// a *FrameSizeError is returned. The sequence counter is bumped with
// release ordering after the copy and the timestamp store, which is the
// entire publication protocol.
func (w *Writer) WriteFrame(data []byte, timestampNs uint64) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if len(data) != int(w.frameSize) {
		return &FrameSizeError{Got: len(data), Want: int(w.frameSize)}
	}

	seq := atomic.LoadUint64(w.seq)
	off := HeaderSize + (seq%uint64(w.slotCount))*uint64(w.frameSize)
	copy(w.mem[off:off+uint64(w.frameSize)], data)
	atomic.StoreUint64(w.lastWriteNs, timestampNs)
	atomic.StoreUint64(w.seq, seq+1)
	return nil
}

// Close unmaps the region and unlinks its backing object. Idempotent:
// release runs exactly once, later calls return nil. Readers with live
// mappings keep them until their own Close; the name becomes free for a
// future bus immediately.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var first error
	if err := unix.Munmap(w.mem); err != nil {
		first = fmt.Errorf("framebus: unmap %q: %w", w.name, err)
	}
	w.mem = nil
	if err := os.Remove(w.path); err != nil && first == nil {
		first = fmt.Errorf("framebus: unlink %q: %w", w.name, err)
	}
	return first
}

// Name returns the bus name.
func (w *Writer) Name() string { return w.name }

// Format returns the frame format carried by the bus.
func (w *Writer) Format() Format { return w.format }

// FrameSize returns the exact byte length WriteFrame accepts.
func (w *Writer) FrameSize() int { return int(w.frameSize) }

// SlotCount returns the number of frame slots in the ring.
func (w *Writer) SlotCount() uint32 { return w.slotCount }

// Seq returns the current publication counter. Zero means no frame has
// been published yet.
func (w *Writer) Seq() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0
	}
	return atomic.LoadUint64(w.seq)
}
