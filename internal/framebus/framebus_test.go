package framebus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testName() string {
	return fmt.Sprintf("bridge-test-%s", uuid.NewString())
}

func smallFormat() Format {
	return Format{Width: 64, Height: 36, FPS: 30, PixelFormat: PixelFormatRGBA8}
}

func newTestWriter(t *testing.T, f Format, slots uint32) *Writer {
	t.Helper()
	w, err := CreateWriter(testName(), f, slots)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func newTestReader(t *testing.T, name string) *Reader {
	t.Helper()
	r, err := OpenReader(name)
	if err != nil {
		t.Fatalf("OpenReader(%q): %v", name, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// stamp writes a recognizable frame: the index in the first 8 bytes and a
// filler derived from it everywhere else.
func stamp(buf []byte, n uint64) {
	for i := range buf {
		buf[i] = byte(n + uint64(i)%251)
	}
	binary.LittleEndian.PutUint64(buf, n)
}

func TestRoundTripFullHD(t *testing.T) {
	f := Format{Width: 1920, Height: 1080, FPS: 60, PixelFormat: PixelFormatRGBA8}
	w := newTestWriter(t, f, 3)
	if w.FrameSize() != 1920*1080*4 {
		t.Fatalf("frame size = %d, want %d", w.FrameSize(), 1920*1080*4)
	}

	r := newTestReader(t, w.Name())
	if r.Format() != f {
		t.Fatalf("reader format = %+v, want %+v", r.Format(), f)
	}

	frame := make([]byte, w.FrameSize())
	stamp(frame, 7)
	if err := w.WriteFrame(frame, 123456789); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := r.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if got == nil {
		t.Fatal("ReadLatest returned nil after a publish")
	}
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	if got.TimestampNs != 123456789 {
		t.Errorf("timestamp = %d, want 123456789", got.TimestampNs)
	}
	if !bytes.Equal(got.Data, frame) {
		t.Error("frame bytes differ across the bus")
	}
}

func TestSequenceMonotonic(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 3)
	r := newTestReader(t, w.Name())

	frame := make([]byte, w.FrameSize())
	for i := uint64(1); i <= 7; i++ {
		stamp(frame, i)
		if err := w.WriteFrame(frame, i*1000); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
		got, err := r.ReadLatest()
		if err != nil {
			t.Fatalf("ReadLatest %d: %v", i, err)
		}
		if got.Seq != i {
			t.Fatalf("seq after write %d = %d", i, got.Seq)
		}
		if n := binary.LittleEndian.Uint64(got.Data); n != i {
			t.Fatalf("latest frame stamp = %d, want %d", n, i)
		}
		if got.TimestampNs != i*1000 {
			t.Fatalf("timestamp = %d, want %d", got.TimestampNs, i*1000)
		}
	}
}

func TestReadBeforeFirstWrite(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	r := newTestReader(t, w.Name())

	got, err := r.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if got != nil {
		t.Fatalf("ReadLatest = %+v, want nil before first publish", got)
	}
}

func TestWriteFrameSizeMismatch(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	r := newTestReader(t, w.Name())

	for _, n := range []int{0, w.FrameSize() - 1, w.FrameSize() + 1} {
		err := w.WriteFrame(make([]byte, n), 1)
		var fse *FrameSizeError
		if !errors.As(err, &fse) {
			t.Fatalf("WriteFrame(%d bytes): err = %v, want *FrameSizeError", n, err)
		}
		if fse.Got != n || fse.Want != w.FrameSize() {
			t.Errorf("FrameSizeError = %+v, want got=%d want=%d", fse, n, w.FrameSize())
		}
	}

	// Bad writes must not publish anything.
	if got, _ := r.ReadLatest(); got != nil {
		t.Fatalf("seq advanced to %d after rejected writes", got.Seq)
	}

	// The writer stays usable.
	if err := w.WriteFrame(make([]byte, w.FrameSize()), 2); err != nil {
		t.Fatalf("WriteFrame after rejections: %v", err)
	}
	got, _ := r.ReadLatest()
	if got == nil || got.Seq != 1 {
		t.Fatalf("ReadLatest = %+v, want seq 1", got)
	}
}

func TestSlotCycling(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	r := newTestReader(t, w.Name())

	frame := make([]byte, w.FrameSize())
	for i := uint64(1); i <= 5; i++ {
		stamp(frame, i)
		if err := w.WriteFrame(frame, i); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}

	got, err := r.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if got.Seq != 5 {
		t.Fatalf("seq = %d, want 5", got.Seq)
	}
	if n := binary.LittleEndian.Uint64(got.Data); n != 5 {
		t.Fatalf("latest frame stamp = %d, want 5 after the ring wrapped", n)
	}
}

func TestWriterCloseIdempotent(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)

	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.WriteFrame(make([]byte, w.FrameSize()), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteFrame after Close: err = %v, want ErrClosed", err)
	}
}

func TestReaderCloseIdempotent(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	r := newTestReader(t, w.Name())

	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.ReadLatest(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadLatest after Close: err = %v, want ErrClosed", err)
	}
}

func TestReaderCloseLeavesRegion(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)

	r := newTestReader(t, w.Name())
	if err := r.Close(); err != nil {
		t.Fatalf("reader Close: %v", err)
	}

	// Writer is untouched by reader shutdown.
	if err := w.WriteFrame(make([]byte, w.FrameSize()), 1); err != nil {
		t.Fatalf("WriteFrame after reader close: %v", err)
	}

	// And the region is still openable.
	r2 := newTestReader(t, w.Name())
	got, err := r2.ReadLatest()
	if err != nil || got == nil || got.Seq != 1 {
		t.Fatalf("second reader ReadLatest = %+v, %v", got, err)
	}
}

func TestWriterCloseUnlinks(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	name := w.Name()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := OpenReader(name); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("OpenReader after writer close: err = %v, want not-exist", err)
	}
}

func TestCreateValidation(t *testing.T) {
	good := smallFormat()
	tests := []struct {
		desc  string
		name  string
		f     Format
		slots uint32
		want  error
	}{
		{"empty name", "", good, 2, ErrInvalidName},
		{"path separator", "a/b", good, 2, ErrInvalidName},
		{"parent traversal", "../escape", good, 2, ErrInvalidName},
		{"leading dot", ".hidden", good, 2, ErrInvalidName},
		{"space", "na me", good, 2, ErrInvalidName},
		{"overlong", strings.Repeat("x", maxNameLen+1), good, 2, ErrInvalidName},
		{"zero width", "ok", Format{Height: 36, FPS: 30, PixelFormat: PixelFormatRGBA8}, 2, ErrInvalidSize},
		{"zero height", "ok", Format{Width: 64, FPS: 30, PixelFormat: PixelFormatRGBA8}, 2, ErrInvalidSize},
		{"zero fps", "ok", Format{Width: 64, Height: 36, PixelFormat: PixelFormatRGBA8}, 2, ErrInvalidSize},
		{"one slot", "ok", good, 1, ErrInvalidSize},
		{"zero slots", "ok", good, 0, ErrInvalidSize},
		{"bgra reserved", "ok", Format{Width: 64, Height: 36, FPS: 30, PixelFormat: PixelFormatBGRA8}, 2, ErrUnsupportedFormat},
		{"argb reserved", "ok", Format{Width: 64, Height: 36, FPS: 30, PixelFormat: PixelFormatARGB8}, 2, ErrUnsupportedFormat},
		{"unknown format", "ok", Format{Width: 64, Height: 36, FPS: 30, PixelFormat: PixelFormat(9)}, 2, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			w, err := CreateWriter(tt.name, tt.f, tt.slots)
			if w != nil {
				w.Close()
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("CreateWriter err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateCollision(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)

	dup, err := CreateWriter(w.Name(), smallFormat(), 2)
	if dup != nil {
		dup.Close()
	}
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second CreateWriter err = %v, want exists", err)
	}

	// The collision must not have destroyed the original region.
	newTestReader(t, w.Name())
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)

	raw, err := os.ReadFile(regionPath(w.Name()))
	if err != nil {
		t.Fatalf("read region: %v", err)
	}

	corrupt := func(t *testing.T, mutate func([]byte)) {
		t.Helper()
		name := testName()
		buf := append([]byte(nil), raw...)
		mutate(buf)
		if err := os.WriteFile(regionPath(name), buf, 0o600); err != nil {
			t.Fatalf("write corrupt region: %v", err)
		}
		t.Cleanup(func() { os.Remove(regionPath(name)) })

		r, err := OpenReader(name)
		if r != nil {
			r.Close()
		}
		if !errors.Is(err, ErrBadHeader) {
			t.Fatalf("OpenReader err = %v, want ErrBadHeader", err)
		}
	}

	t.Run("magic", func(t *testing.T) {
		corrupt(t, func(b []byte) { b[offMagic] ^= 0xFF })
	})
	t.Run("version", func(t *testing.T) {
		corrupt(t, func(b []byte) { binary.LittleEndian.PutUint16(b[offVersion:], 2) })
	})
	t.Run("frame size lie", func(t *testing.T) {
		corrupt(t, func(b []byte) { binary.LittleEndian.PutUint32(b[offFrameSize:], 1) })
	})
	t.Run("slot count", func(t *testing.T) {
		corrupt(t, func(b []byte) { binary.LittleEndian.PutUint32(b[offSlotCount:], 1) })
	})
	t.Run("truncated region", func(t *testing.T) {
		name := testName()
		if err := os.WriteFile(regionPath(name), raw[:100], 0o600); err != nil {
			t.Fatalf("write truncated region: %v", err)
		}
		t.Cleanup(func() { os.Remove(regionPath(name)) })
		r, err := OpenReader(name)
		if r != nil {
			r.Close()
		}
		if !errors.Is(err, ErrBadHeader) {
			t.Fatalf("OpenReader err = %v, want ErrBadHeader", err)
		}
	})
}

// TestHeaderLayout pins the on-disk byte layout other languages map.
func TestHeaderLayout(t *testing.T) {
	f := Format{Width: 1280, Height: 720, FPS: 50, PixelFormat: PixelFormatRGBA8}
	w := newTestWriter(t, f, 4)

	frame := make([]byte, w.FrameSize())
	if err := w.WriteFrame(frame, 42); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	raw, err := os.ReadFile(regionPath(w.Name()))
	if err != nil {
		t.Fatalf("read region: %v", err)
	}
	le := binary.LittleEndian

	if got := le.Uint32(raw[offMagic:]); got != Magic {
		t.Errorf("magic = 0x%08x, want 0x%08x", got, Magic)
	}
	if got := le.Uint16(raw[offVersion:]); got != Version {
		t.Errorf("version = %d, want %d", got, Version)
	}
	if got := le.Uint32(raw[offHeaderSize:]); got != HeaderSize {
		t.Errorf("header_size = %d, want %d", got, HeaderSize)
	}
	if got := le.Uint32(raw[offWidth:]); got != 1280 {
		t.Errorf("width = %d, want 1280", got)
	}
	if got := le.Uint32(raw[offHeight:]); got != 720 {
		t.Errorf("height = %d, want 720", got)
	}
	if got := le.Uint32(raw[offFPS:]); got != 50 {
		t.Errorf("fps = %d, want 50", got)
	}
	if got := le.Uint32(raw[offPixelFormat:]); got != uint32(PixelFormatRGBA8) {
		t.Errorf("pixel_format = %d, want %d", got, PixelFormatRGBA8)
	}
	if got := le.Uint32(raw[offFrameSize:]); got != 1280*720*4 {
		t.Errorf("frame_size = %d, want %d", got, 1280*720*4)
	}
	if got := le.Uint32(raw[offSlotCount:]); got != 4 {
		t.Errorf("slot_count = %d, want 4", got)
	}
	if got := le.Uint32(raw[offSlotStride:]); got != 1280*720*4 {
		t.Errorf("slot_stride = %d, want frame_size", got)
	}
	if got := le.Uint64(raw[offSeq:]); got != 1 {
		t.Errorf("seq = %d, want 1", got)
	}
	if got := le.Uint64(raw[offLastWriteNs:]); got != 42 {
		t.Errorf("last_write_ns = %d, want 42", got)
	}
	if want := HeaderSize + 4*1280*720*4; len(raw) != want {
		t.Errorf("region size = %d, want %d", len(raw), want)
	}
}

func TestConcurrentWriteAndClose(t *testing.T) {
	w := newTestWriter(t, smallFormat(), 2)
	frame := make([]byte, w.FrameSize())

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		for {
			if err := w.WriteFrame(frame, 1); errors.Is(err, ErrClosed) {
				return
			}
		}
	}()

	// Close while the write loop is running.
	<-started
	time.Sleep(5 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if err := w.Close(); err != nil {
		t.Fatalf("Close after concurrent writes: %v", err)
	}
}
