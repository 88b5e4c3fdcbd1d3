// Package display opens a borderless X11 window and blits RGBA frames
// into it. It is the presentation layer of the display output helper.
package display

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/logger"
)

// Options selects where and how the window opens.
type Options struct {
	Width  int
	Height int
	// ScreenIndex picks the X screen (monitor on zaphod setups). Out of
	// range is an error, not a fallback.
	ScreenIndex int
	Title       string
	Fullscreen  bool
}

// Window is an open presentation window. Methods are not concurrent-safe;
// the helper drives a window from one goroutine.
type Window struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	win    xproto.Window
	gc     xproto.Gcontext

	width  int
	height int
	depth  byte

	// X11 scanline layout for the screen's root depth.
	stride     int
	rowsPerPut int
	chunk      []byte

	log zerolog.Logger
}

// Open connects to the X server, creates the window and maps it.
func Open(opts Options) (*Window, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("display: invalid geometry %dx%d", opts.Width, opts.Height)
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("display: connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	if opts.ScreenIndex < 0 || opts.ScreenIndex >= len(setup.Roots) {
		conn.Close()
		return nil, fmt.Errorf("display: screen %d out of range (%d screens)", opts.ScreenIndex, len(setup.Roots))
	}
	screen := &setup.Roots[opts.ScreenIndex]

	w := &Window{
		conn:   conn,
		screen: screen,
		width:  opts.Width,
		height: opts.Height,
		depth:  screen.RootDepth,
		log:    *logger.WithComponent("display"),
	}

	if err := w.initLayout(setup); err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.createWindow(opts); err != nil {
		conn.Close()
		return nil, err
	}

	// The event mask delivers exposes and configure notifies; nobody
	// repaints on expose, so just keep the queue from growing.
	go w.drainEvents()

	w.log.Info().
		Int("width", w.width).
		Int("height", w.height).
		Int("screen", opts.ScreenIndex).
		Bool("fullscreen", opts.Fullscreen).
		Msg("Presentation window mapped")

	return w, nil
}

// initLayout resolves the pixmap format for the root depth and sizes the
// conversion chunk under the X11 request length limit.
func (w *Window) initLayout(setup *xproto.SetupInfo) error {
	var bitsPerPixel, scanlinePad byte
	for _, format := range setup.PixmapFormats {
		if format.Depth == w.depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel != 32 {
		return fmt.Errorf("display: unsupported root depth %d (%d bpp)", w.depth, bitsPerPixel)
	}

	padBytes := int(scanlinePad) / 8
	if padBytes == 0 {
		padBytes = 4
	}
	unpadded := w.width * 4
	w.stride = ((unpadded + padBytes - 1) / padBytes) * padBytes

	// PutImage carries 24 bytes of header; the rest of the request
	// budget is pixel data.
	usable := int(setup.MaximumRequestLength)*4 - 24
	w.rowsPerPut = usable / w.stride
	if w.rowsPerPut < 1 {
		return fmt.Errorf("display: scanline of %d bytes exceeds request limit", w.stride)
	}
	if w.rowsPerPut > w.height {
		w.rowsPerPut = w.height
	}
	w.chunk = make([]byte, w.rowsPerPut*w.stride)

	return nil
}

func (w *Window) createWindow(opts Options) error {
	windowID, err := xproto.NewWindowId(w.conn)
	if err != nil {
		return fmt.Errorf("display: allocate window ID: %w", err)
	}
	w.win = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000, // black until the first frame lands
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		w.conn,
		w.screen.RootDepth,
		w.win,
		w.screen.Root,
		0, 0,
		uint16(w.width), uint16(w.height),
		0,
		xproto.WindowClassInputOutput,
		w.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("display: create window: %w", err)
	}

	title := opts.Title
	if title == "" {
		title = "Broadify Display Output"
	}
	if err := w.setTitle(title); err != nil {
		w.log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setClass("bridge-output", "BroadifyBridge"); err != nil {
		w.log.Warn().Err(err).Msg("Failed to set window class")
	}

	// Fullscreen state must be set before mapping or the WM ignores it.
	if opts.Fullscreen {
		if err := w.setFullscreen(); err != nil {
			w.log.Warn().Err(err).Msg("Failed to request fullscreen state")
		}
	}

	if err := xproto.MapWindowChecked(w.conn, w.win).Check(); err != nil {
		return fmt.Errorf("display: map window: %w", err)
	}
	w.conn.Sync()

	gc, err := xproto.NewGcontextId(w.conn)
	if err != nil {
		return fmt.Errorf("display: allocate GC ID: %w", err)
	}
	w.gc = gc
	err = xproto.CreateGCChecked(w.conn, w.gc, xproto.Drawable(w.win), 0, nil).Check()
	if err != nil {
		return fmt.Errorf("display: create GC: %w", err)
	}
	w.conn.Sync()

	return nil
}

// Present converts one RGBA frame to the screen's BGRx layout and blits
// it, chunked to stay under the server's request length limit.
func (w *Window) Present(pix []byte) error {
	if len(pix) != w.width*w.height*4 {
		return fmt.Errorf("display: frame is %d bytes, window needs %d", len(pix), w.width*w.height*4)
	}

	for y := 0; y < w.height; y += w.rowsPerPut {
		rows := w.rowsPerPut
		if y+rows > w.height {
			rows = w.height - y
		}

		w.convertRows(pix, y, rows)

		err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.win),
			w.gc,
			uint16(w.width),
			uint16(rows),
			0, int16(y),
			0,
			w.depth,
			w.chunk[:rows*w.stride],
		).Check()
		if err != nil {
			return fmt.Errorf("display: put image rows %d..%d: %w", y, y+rows, err)
		}
	}

	w.conn.Sync()
	return nil
}

// convertRows packs RGBA rows starting at srcY into the chunk buffer as
// padded BGRx scanlines. Byte order matches the X visual masks (B, G, R).
func (w *Window) convertRows(pix []byte, srcY, rows int) {
	for r := 0; r < rows; r++ {
		srcRow := (srcY + r) * w.width * 4
		dstRow := r * w.stride
		for x := 0; x < w.width; x++ {
			s := srcRow + x*4
			d := dstRow + x*4
			w.chunk[d] = pix[s+2]
			w.chunk[d+1] = pix[s+1]
			w.chunk[d+2] = pix[s]
			w.chunk[d+3] = 0
		}
	}
}

// Close destroys the window and drops the X connection. Safe to call once.
func (w *Window) Close() {
	if w.gc != 0 {
		xproto.FreeGC(w.conn, w.gc)
	}
	if w.win != 0 {
		xproto.DestroyWindow(w.conn, w.win)
		w.conn.Sync()
	}
	w.conn.Close()
	w.log.Info().Msg("Presentation window closed")
}

func (w *Window) drainEvents() {
	for {
		ev, err := w.conn.WaitForEvent()
		if ev == nil && err == nil {
			return // connection closed
		}
		if err != nil {
			w.log.Debug().Err(err).Msg("X event error")
		}
	}
}

func (w *Window) setTitle(title string) error {
	nameAtom, err := w.atom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.atom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.win,
		nameAtom, utf8Atom, 8,
		uint32(len(title)), []byte(title),
	).Check()
}

func (w *Window) setClass(instance, class string) error {
	classAtom, err := w.atom("WM_CLASS")
	if err != nil {
		return err
	}
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.win,
		classAtom, xproto.AtomString, 8,
		uint32(len(classStr)), []byte(classStr),
	).Check()
}

// setFullscreen asks the WM for fullscreen via _NET_WM_STATE. The atom
// payload is 32-bit; xgb speaks little-endian on every supported arch.
func (w *Window) setFullscreen() error {
	stateAtom, err := w.atom("_NET_WM_STATE")
	if err != nil {
		return err
	}
	fsAtom, err := w.atom("_NET_WM_STATE_FULLSCREEN")
	if err != nil {
		return err
	}

	data := make([]byte, 4)
	v := uint32(fsAtom)
	data[0] = byte(v)
	data[1] = byte(v >> 8)
	data[2] = byte(v >> 16)
	data[3] = byte(v >> 24)

	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.win,
		stateAtom, xproto.AtomAtom, 32,
		1, data,
	).Check()
}

func (w *Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
