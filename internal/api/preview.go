package api

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/broadify/bridge/internal/framebus"
)

// previewJPEGQuality trades bandwidth for fidelity; the preview is a
// monitoring aid, not a program feed.
const previewJPEGQuality = 90

// handlePreview streams the active output's frames as MJPEG
// (multipart/x-mixed-replace). Each request opens its own bus reader and
// paces itself at the output frame rate capped by preview_fps, so a slow
// browser tab never backpressures the render path. Responds 404 while no
// output is configured or the output streams over stdin.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	if !st.Configured || st.BusName == "" {
		http.Error(w, "no active output to preview", http.StatusNotFound)
		return
	}

	reader, err := framebus.OpenReader(st.BusName)
	if err != nil {
		// Output torn down between the status check and the open.
		http.Error(w, "no active output to preview", http.StatusNotFound)
		return
	}
	defer reader.Close()

	format := reader.Format()
	if format.PixelFormat != framebus.PixelFormatRGBA8 {
		http.Error(w, fmt.Sprintf("cannot preview %s frames", format.PixelFormat), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	fps := format.FPS
	if limit := uint32(s.cfgMgr.Get().PreviewFPS); limit > 0 && fps > limit {
		fps = limit
	}
	if fps == 0 {
		fps = 1
	}

	s.log.Debug().
		Str("bus", st.BusName).
		Str("remote", r.RemoteAddr).
		Uint32("fps", fps).
		Msg("Preview client connected")
	defer s.log.Debug().Str("remote", r.RemoteAddr).Msg("Preview client disconnected")

	img := &image.RGBA{
		Pix:    make([]byte, reader.FrameSize()),
		Stride: int(format.Width) * 4,
		Rect:   image.Rect(0, 0, int(format.Width), int(format.Height)),
	}
	var jpegBuf bytes.Buffer
	var lastSeq uint64

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		// The mapping outlives an unlink, so poll the orchestrator to
		// notice the output being replaced or torn down.
		if s.orch.Status().BusName != st.BusName {
			return
		}

		frame, err := reader.ReadLatest()
		if err != nil {
			return
		}
		if frame == nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		// Slot bytes may be overwritten mid-encode once the writer laps
		// the ring; encode from a stable copy.
		copy(img.Pix, frame.Data)

		jpegBuf.Reset()
		if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
			s.log.Warn().Err(err).Msg("Preview encode failed")
			return
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", jpegBuf.Len()); err != nil {
			return
		}
		if _, err := w.Write(jpegBuf.Bytes()); err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}
