package framebus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reader is the consuming side of a bus. Any number of readers may open
// the same region; none of them can destroy it.
type Reader struct {
	mu     sync.RWMutex
	closed bool

	name      string
	mem       []byte
	format    Format
	frameSize uint32
	slotCount uint32

	seq         *uint64
	lastWriteNs *uint64
}

// OpenReader opens an existing region by name, validates its header, and
// maps it read-only.
func OpenReader(name string) (*Reader, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	file, err := os.Open(regionPath(name))
	if err != nil {
		return nil, fmt.Errorf("framebus: open %q: %w", name, err)
	}
	defer file.Close()

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(file, raw[:]); err != nil {
		return nil, fmt.Errorf("%w: %q: short header", ErrBadHeader, name)
	}

	le := binary.LittleEndian
	if got := le.Uint32(raw[offMagic:]); got != Magic {
		return nil, fmt.Errorf("%w: %q: magic 0x%08x", ErrBadHeader, name, got)
	}
	if got := le.Uint16(raw[offVersion:]); got != Version {
		return nil, fmt.Errorf("%w: %q: version %d", ErrBadHeader, name, got)
	}
	if got := le.Uint32(raw[offHeaderSize:]); got != HeaderSize {
		return nil, fmt.Errorf("%w: %q: header size %d", ErrBadHeader, name, got)
	}

	f := Format{
		Width:       le.Uint32(raw[offWidth:]),
		Height:      le.Uint32(raw[offHeight:]),
		FPS:         le.Uint32(raw[offFPS:]),
		PixelFormat: PixelFormat(le.Uint32(raw[offPixelFormat:])),
	}
	frameSize := le.Uint32(raw[offFrameSize:])
	slotCount := le.Uint32(raw[offSlotCount:])
	slotStride := le.Uint32(raw[offSlotStride:])

	want, err := f.FrameSize()
	if err != nil || want != frameSize || slotStride != frameSize {
		return nil, fmt.Errorf("%w: %q: geometry %dx%d/%s frame_size=%d stride=%d",
			ErrBadHeader, name, f.Width, f.Height, f.PixelFormat, frameSize, slotStride)
	}
	if slotCount < MinSlotCount {
		return nil, fmt.Errorf("%w: %q: slot count %d", ErrBadHeader, name, slotCount)
	}

	total, err := regionSize(frameSize, slotCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadHeader, name, err)
	}
	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("framebus: stat %q: %w", name, err)
	}
	if st.Size() < int64(total) {
		return nil, fmt.Errorf("%w: %q: region is %d bytes, header declares %d",
			ErrBadHeader, name, st.Size(), total)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("framebus: map %q: %w", name, err)
	}

	return &Reader{
		name:        name,
		mem:         mem,
		format:      f,
		frameSize:   frameSize,
		slotCount:   slotCount,
		seq:         (*uint64)(unsafe.Pointer(&mem[offSeq])),
		lastWriteNs: (*uint64)(unsafe.Pointer(&mem[offLastWriteNs])),
	}, nil
}

// ReadLatest returns the most recently published frame, or nil before the
// first publication. Frame.Data aliases the mapped slot; see Frame.
func (r *Reader) ReadLatest() (*Frame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	seq := atomic.LoadUint64(r.seq)
	if seq == 0 {
		return nil, nil
	}
	ts := atomic.LoadUint64(r.lastWriteNs)
	off := HeaderSize + ((seq-1)%uint64(r.slotCount))*uint64(r.frameSize)
	return &Frame{
		Seq:         seq,
		TimestampNs: ts,
		Data:        r.mem[off : off+uint64(r.frameSize)],
	}, nil
}

// Close drops this reader's mapping. Idempotent. The region itself stays
// alive until the writer unlinks it.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := unix.Munmap(r.mem); err != nil {
		r.mem = nil
		return fmt.Errorf("framebus: unmap %q: %w", r.name, err)
	}
	r.mem = nil
	return nil
}

// Name returns the bus name.
func (r *Reader) Name() string { return r.name }

// Format returns the frame format declared in the region header.
func (r *Reader) Format() Format { return r.format }

// FrameSize returns the byte length of every slot.
func (r *Reader) FrameSize() int { return int(r.frameSize) }

// SlotCount returns the number of frame slots in the ring.
func (r *Reader) SlotCount() uint32 { return r.slotCount }
