package output

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/broadify/bridge/internal/framebus"
	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/playback"
)

// helperDir writes fake helper binaries into a fresh dir. Keys are binary
// names, values are sh bodies.
func helperDir(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatalf("write fake helper: %v", err)
		}
	}
	return dir
}

const readyThenPark = `echo '{"type":"ready"}'
exec sleep 60`

func busRegionPath(name string) string {
	if runtime.GOOS == "linux" {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

func regionExists(t *testing.T, name string) bool {
	t.Helper()
	_, err := os.Stat(busRegionPath(name))
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	t.Fatalf("stat bus region: %v", err)
	return false
}

func testFormat() Format {
	return Format{Width: 64, Height: 36, FPS: 30}
}

func displayTarget() Target {
	return Target{Kind: KindDisplay}
}

func decklinkTarget() Target {
	return Target{Kind: KindDeckLink, DeviceID: "dl-0", PortID: "dl-0-sdi"}
}

func TestConfigureAndTeardown(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})

	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}
	st := o.Status()
	if !st.Configured {
		t.Fatal("Status not configured after ConfigureOutput")
	}
	if !strings.HasPrefix(st.BusName, "bridge-") {
		t.Errorf("bus name = %q, want bridge- prefix", st.BusName)
	}
	if !regionExists(t, st.BusName) {
		t.Error("bus region missing while output active")
	}

	o.Teardown()
	if o.Status().Configured {
		t.Error("still configured after Teardown")
	}
	if regionExists(t, st.BusName) {
		t.Error("bus region leaked after Teardown")
	}
}

func TestConfigureIdempotent(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})
	defer o.Teardown()

	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("first ConfigureOutput: %v", err)
	}
	bus := o.Status().BusName

	// Same target and format again: nothing may be recreated.
	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("second ConfigureOutput: %v", err)
	}
	if got := o.Status().BusName; got != bus {
		t.Errorf("bus name changed %q -> %q on idempotent reconfigure", bus, got)
	}
}

func TestReconfigureReplacesOutput(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})
	defer o.Teardown()

	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}
	oldBus := o.Status().BusName

	newFormat := testFormat()
	newFormat.FPS = 60
	if err := o.ConfigureOutput(context.Background(), displayTarget(), newFormat); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	st := o.Status()
	if st.BusName == oldBus {
		t.Error("reconfigure reused the old bus")
	}
	if regionExists(t, oldBus) {
		t.Error("old bus region leaked across reconfigure")
	}
	if st.Format.FPS != 60 {
		t.Errorf("active fps = %d, want 60", st.Format.FPS)
	}
}

func TestSendFrameUnconfigured(t *testing.T) {
	o := New(Config{})
	// Must neither panic nor log; just vanish.
	o.SendFrame(make([]byte, 1024), 42)
	st := o.Status()
	if st.Configured || st.FramesSent != 0 || st.FramesDropped != 0 {
		t.Errorf("status after unconfigured SendFrame = %+v", st)
	}
}

func TestSendFrameReachesBus(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})
	defer o.Teardown()

	format := testFormat()
	if err := o.ConfigureOutput(context.Background(), displayTarget(), format); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}

	frame := make([]byte, int(format.Width)*int(format.Height)*4)
	for i := range frame {
		frame[i] = byte(i)
	}
	o.SendFrame(frame, 777)

	r, err := framebus.OpenReader(o.Status().BusName)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if got == nil {
		t.Fatal("no frame on the bus after SendFrame")
	}
	if got.Seq != 1 || got.TimestampNs != 777 {
		t.Errorf("frame seq=%d ts=%d, want 1/777", got.Seq, got.TimestampNs)
	}
	if got.Data[0] != 0 || got.Data[255] != 255 {
		t.Error("frame bytes did not survive the trip")
	}
	if st := o.Status(); st.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", st.FramesSent)
	}
}

func TestSendFrameSizeMismatch(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})
	defer o.Teardown()

	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}

	o.SendFrame(make([]byte, 10), 1)
	o.SendFrame(make([]byte, 10), 2)
	o.SendFrame(make([]byte, 10), 3)

	st := o.Status()
	if st.FramesDropped != 3 {
		t.Errorf("FramesDropped = %d, want 3", st.FramesDropped)
	}
	if st.FramesSent != 0 {
		t.Errorf("FramesSent = %d, want 0", st.FramesSent)
	}
}

func TestConfigureValidateStage(t *testing.T) {
	o := New(Config{})
	tests := []struct {
		name   string
		target Target
		format Format
	}{
		{"unknown kind", Target{Kind: "hologram"}, testFormat()},
		{"decklink without device", Target{Kind: KindDeckLink, PortID: "p"}, testFormat()},
		{"decklink without port", Target{Kind: KindDeckLink, DeviceID: "d"}, testFormat()},
		{"zero format", displayTarget(), Format{}},
		{"bad pixel format", displayTarget(), Format{Width: 64, Height: 36, FPS: 30, PixelFormat: "yuv422"}},
		{"bad colorspace", displayTarget(), Format{Width: 64, Height: 36, FPS: 30, Colorspace: "ntsc"}},
		{"bad range", displayTarget(), Format{Width: 64, Height: 36, FPS: 30, Range: "wide"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.ConfigureOutput(context.Background(), tt.target, tt.format)
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Stage != StageValidate {
				t.Errorf("err = %v, want ConfigError at validate", err)
			}
		})
	}
}

func TestConfigureSpawnStageRollsBack(t *testing.T) {
	// Empty helper dir: bus creation succeeds, locating the binary fails.
	o := New(Config{HelperDir: t.TempDir()})

	err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat())
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != StageSpawn {
		t.Fatalf("err = %v, want ConfigError at spawn", err)
	}
	if !errors.Is(err, helper.ErrNotFound) {
		t.Errorf("cause = %v, want ErrNotFound", err)
	}
	if o.Status().Configured {
		t.Error("configured after failed spawn")
	}
	assertNoBridgeBuses(t)
}

func TestConfigureHandshakeStageRollsBack(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: `exec sleep 60`})
	o := New(Config{HelperDir: dir, ReadyTimeout: 200 * time.Millisecond})

	err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat())
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != StageHandshake {
		t.Fatalf("err = %v, want ConfigError at handshake", err)
	}
	if !errors.Is(err, helper.ErrHandshakeTimeout) {
		t.Errorf("cause = %v, want ErrHandshakeTimeout", err)
	}
	assertNoBridgeBuses(t)
}

func TestConfigureCrashBeforeReady(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: `echo 'no X display' >&2
exit 3`})
	o := New(Config{HelperDir: dir})

	err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat())
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != StageHandshake {
		t.Fatalf("err = %v, want ConfigError at handshake", err)
	}
	var crash *helper.CrashError
	if !errors.As(err, &crash) || crash.ExitCode != 3 {
		t.Errorf("cause = %v, want CrashError exit 3", err)
	}
	assertNoBridgeBuses(t)
}

// assertNoBridgeBuses fails the test if any orchestrator-named bus region
// survived. Orchestrator buses all carry the bridge- prefix; nothing else
// in this package creates them.
func assertNoBridgeBuses(t *testing.T) {
	t.Helper()
	dir := "/dev/shm"
	if runtime.GOOS != "linux" {
		dir = os.TempDir()
	}
	leaks, err := filepath.Glob(filepath.Join(dir, "bridge-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leaks) > 0 {
		t.Errorf("leaked bus regions: %v", leaks)
	}
}

func TestTeardownConcurrent(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})

	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}
	bus := o.Status().BusName

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Teardown()
		}()
	}
	wg.Wait()
	o.Teardown()

	if o.Status().Configured {
		t.Error("configured after concurrent Teardown")
	}
	if regionExists(t, bus) {
		t.Error("bus region survived Teardown")
	}
}

func TestSendFrameDuringTeardown(t *testing.T) {
	dir := helperDir(t, map[string]string{helper.DisplayHelper: readyThenPark})
	o := New(Config{HelperDir: dir})

	format := testFormat()
	if err := o.ConfigureOutput(context.Background(), displayTarget(), format); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}

	frame := make([]byte, int(format.Width)*int(format.Height)*4)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				o.SendFrame(frame, 1)
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	o.Teardown()
	close(stop)
	wg.Wait()
}

func TestHelperFailurePersistsUntilReconfigure(t *testing.T) {
	dir := t.TempDir()
	flaky := filepath.Join(dir, "flaky")
	script := fmt.Sprintf(`#!/bin/sh
if [ -f %s ]; then
  echo '{"type":"ready"}'
  exit 1
fi
echo '{"type":"ready"}'
exec sleep 60
`, flaky)
	path := filepath.Join(dir, helper.DisplayHelper)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	if err := os.WriteFile(flaky, nil, 0o644); err != nil {
		t.Fatalf("arm crash mode: %v", err)
	}

	o := New(Config{HelperDir: dir, MaxRestarts: 1, RestartBackoff: 20 * time.Millisecond})
	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}
	bus := o.Status().BusName

	deadline := time.Now().Add(10 * time.Second)
	for {
		st := o.Status()
		if !st.Configured && st.LastError != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no persistent failure surfaced; status %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(o.LastError(), helper.ErrHelperFailed) {
		t.Errorf("LastError = %v, want ErrHelperFailed", o.LastError())
	}
	if regionExists(t, bus) {
		t.Error("bus region survived permanent helper failure")
	}

	// Frames now vanish silently.
	o.SendFrame(make([]byte, 64*36*4), 9)

	// A reconfigure retries and clears the sticky error.
	if err := os.Remove(flaky); err != nil {
		t.Fatalf("disarm crash mode: %v", err)
	}
	if err := o.ConfigureOutput(context.Background(), displayTarget(), testFormat()); err != nil {
		t.Fatalf("reconfigure after failure: %v", err)
	}
	defer o.Teardown()
	st := o.Status()
	if !st.Configured || st.LastError != "" {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestStdinTransportStreamsRecords(t *testing.T) {
	dir := t.TempDir()
	received := filepath.Join(dir, "received")
	script := fmt.Sprintf(`#!/bin/sh
echo '{"type":"ready"}'
trap '' TERM
exec cat > %s
`, received)
	path := filepath.Join(dir, helper.DeckLinkHelper)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}

	o := New(Config{HelperDir: dir, Transport: TransportStdin})
	format := testFormat()
	if err := o.ConfigureOutput(context.Background(), decklinkTarget(), format); err != nil {
		t.Fatalf("ConfigureOutput: %v", err)
	}
	if bus := o.Status().BusName; bus != "" {
		t.Errorf("stdin transport created a bus %q", bus)
	}

	payload := make([]byte, int(format.Width)*int(format.Height)*4)
	payload[0] = 0xAB
	o.SendFrame(payload, 4242)
	o.Teardown()

	f, err := os.Open(received)
	if err != nil {
		t.Fatalf("open captured stream: %v", err)
	}
	defer f.Close()

	sr := playback.NewStreamReader(f)
	rec, err := sr.ReadRecord()
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if rec.Type != playback.RecordFrame || rec.Width != format.Width || rec.TimestampNs != 4242 {
		t.Errorf("frame record = %+v", rec)
	}
	if len(rec.Payload) != len(payload) || rec.Payload[0] != 0xAB {
		t.Errorf("payload %d bytes, first %x", len(rec.Payload), rec.Payload[0])
	}
	rec, err = sr.ReadRecord()
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if rec.Type != playback.RecordShutdown {
		t.Errorf("second record type = %v, want shutdown", rec.Type)
	}
}

func TestHelperArgs(t *testing.T) {
	format := Format{Width: 1920, Height: 1080, FPS: 60, PixelFormat: "rgba8", Colorspace: "auto", Range: "legal"}

	t.Run("decklink single port", func(t *testing.T) {
		got := helperArgs(Target{Kind: KindDeckLink, DeviceID: "dl-0", PortID: "dl-0-sdi"}, format, "bridge-x", false)
		want := []string{
			"--playback", "--device", "dl-0", "--output-port", "dl-0-sdi",
			"--width", "1920", "--height", "1080", "--fps", "60",
			"--pixel-format", "rgba8", "--range", "legal",
			"--framebus-name", "bridge-x",
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("args = %v", got)
		}
	})

	t.Run("decklink fill and key", func(t *testing.T) {
		got := helperArgs(Target{Kind: KindDeckLink, DeviceID: "dl-0", PortID: "dl-0-sdi-a", KeyPortID: "dl-0-sdi-b"}, format, "bridge-x", false)
		join := strings.Join(got, " ")
		if !strings.Contains(join, "--fill-port dl-0-sdi-a --key-port dl-0-sdi-b") {
			t.Errorf("args = %v", got)
		}
		if strings.Contains(join, "--output-port") {
			t.Errorf("keying argv still has --output-port: %v", got)
		}
	})

	t.Run("decklink explicit colorspace", func(t *testing.T) {
		f := format
		f.Colorspace = "rec709"
		got := strings.Join(helperArgs(Target{Kind: KindDeckLink, DeviceID: "d", PortID: "p"}, f, "b", false), " ")
		if !strings.Contains(got, "--colorspace rec709") {
			t.Errorf("args = %v", got)
		}
	})

	t.Run("decklink stdin omits bus", func(t *testing.T) {
		got := strings.Join(helperArgs(Target{Kind: KindDeckLink, DeviceID: "d", PortID: "p"}, format, "", true), " ")
		if strings.Contains(got, "--framebus-name") {
			t.Errorf("stdin argv mentions the bus: %v", got)
		}
	})

	t.Run("display", func(t *testing.T) {
		got := helperArgs(Target{Kind: KindDisplay, DisplayIndex: 1}, format, "bridge-y", false)
		want := []string{
			"--framebus-name", "bridge-y",
			"--width", "1920", "--height", "1080", "--fps", "60",
			"--display-index", "1",
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("args = %v", got)
		}
	})

	t.Run("display stdin", func(t *testing.T) {
		got := strings.Join(helperArgs(Target{Kind: KindDisplay}, format, "", true), " ")
		if !strings.HasPrefix(got, "--stdin") {
			t.Errorf("args = %v", got)
		}
	})
}

func TestNormalizeDefaults(t *testing.T) {
	target, format, err := normalize(displayTarget(), Format{Width: 64, Height: 36, FPS: 30})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if format.PixelFormat != "rgba8" || format.Colorspace != "auto" || format.Range != "legal" {
		t.Errorf("defaults = %+v", format)
	}
	if target.DeviceID != "" || target.PortID != "" {
		t.Errorf("display target kept device fields: %+v", target)
	}

	target, _, err = normalize(Target{Kind: KindDeckLink, DeviceID: "d", PortID: "p", DisplayIndex: 7}, Format{Width: 64, Height: 36, FPS: 30})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if target.DisplayIndex != 0 {
		t.Errorf("decklink target kept display index: %+v", target)
	}
}
