// display-helper presents a video feed in a fullscreen X11 window. It is
// spawned by the bridge daemon and speaks the helper protocol: a ready
// event on stdout once the window is up, diagnostics on stderr, frames in
// over a shared-memory bus (--framebus-name) or a binary stdin stream
// (--stdin).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/broadify/bridge/internal/display"
	"github.com/broadify/bridge/internal/framebus"
	"github.com/broadify/bridge/internal/logger"
	"github.com/broadify/bridge/internal/playback"
)

func main() {
	if err := run(); err != nil {
		// The daemon parses stdout; stderr is for humans.
		json.NewEncoder(os.Stdout).Encode(map[string]string{"type": "error", "message": err.Error()})
		logger.WithComponent("display-helper").Error().Msg(err.Error())
		os.Exit(1)
	}
}

func run() error {
	var (
		busName     = flag.String("framebus-name", envStr("BRIDGE_FRAMEBUS_NAME", ""), "shared-memory bus to read frames from")
		width       = flag.Int("width", envInt("BRIDGE_FRAME_WIDTH", 0), "frame width in pixels")
		height      = flag.Int("height", envInt("BRIDGE_FRAME_HEIGHT", 0), "frame height in pixels")
		fps         = flag.Int("fps", envInt("BRIDGE_FRAME_FPS", 0), "presentation rate")
		screenIndex = flag.Int("display-index", 0, "X screen to open the window on")
		useStdin    = flag.Bool("stdin", false, "read a frame stream from stdin instead of a bus")
		windowed    = flag.Bool("windowed", false, "open a normal window instead of fullscreen")
		logLevel    = flag.String("log-level", envStr("BRIDGE_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	logger.Init(*logLevel, false)
	log := logger.WithComponent("display-helper")

	if *useStdin && *busName != "" {
		return errors.New("--stdin and --framebus-name are mutually exclusive")
	}
	if !*useStdin && *busName == "" {
		return errors.New("need a frame source: --framebus-name or --stdin")
	}

	var reader *framebus.Reader
	if *busName != "" {
		r, err := framebus.OpenReader(*busName)
		if err != nil {
			return err
		}
		defer r.Close()
		reader = r

		// The bus header is authoritative for geometry and rate.
		f := r.Format()
		if f.PixelFormat != framebus.PixelFormatRGBA8 {
			return errors.New("bus carries " + f.PixelFormat.String() + " frames, only rgba8 is supported")
		}
		if (*width != 0 && *width != int(f.Width)) || (*height != 0 && *height != int(f.Height)) {
			log.Warn().
				Int("flag_width", *width).Int("flag_height", *height).
				Uint32("bus_width", f.Width).Uint32("bus_height", f.Height).
				Msg("Geometry flags disagree with bus header, using the header")
		}
		*width = int(f.Width)
		*height = int(f.Height)
		if *fps == 0 {
			*fps = int(f.FPS)
		}
	}

	if *width <= 0 || *height <= 0 {
		return errors.New("need a frame geometry: --width and --height")
	}
	if *fps <= 0 {
		*fps = 30
	}

	win, err := display.Open(display.Options{
		Width:       *width,
		Height:      *height,
		ScreenIndex: *screenIndex,
		Fullscreen:  !*windowed,
	})
	if err != nil {
		return err
	}
	defer win.Close()

	// The daemon waits on this line before it starts streaming.
	json.NewEncoder(os.Stdout).Encode(map[string]string{"type": "ready"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if *useStdin {
		return runStdin(ctx, win, *width, *height)
	}
	return runBus(ctx, win, reader, *fps)
}

// runBus re-presents the newest bus frame at the presentation rate.
// Frames are copied out of the ring before conversion so a writer lapping
// the ring mid-blit cannot tear the presented image.
func runBus(ctx context.Context, win *display.Window, r *framebus.Reader, fps int) error {
	scratch := make([]byte, r.FrameSize())
	var lastSeq uint64

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := r.ReadLatest()
		if err != nil {
			return err
		}
		if frame == nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		copy(scratch, frame.Data)
		if err := win.Present(scratch); err != nil {
			return err
		}
	}
}

// runStdin presents frames from the binary stdin stream. A shutdown
// record or a clean EOF (the daemon closing the pipe) ends the run.
func runStdin(ctx context.Context, win *display.Window, width, height int) error {
	sr := playback.NewStreamReader(os.Stdin)

	for {
		rec, err := sr.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch rec.Type {
		case playback.RecordShutdown:
			return nil
		case playback.RecordFrame:
			if int(rec.Width) != width || int(rec.Height) != height {
				return playback.ErrFormatMismatch
			}
			if err := win.Present(rec.Payload); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
