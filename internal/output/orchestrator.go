// Package output owns the active video output: the frame bus carrying
// pixels out of the process, the native helper driving the hardware, and
// the supervision glue between them. At most one output is live at a time;
// output devices are exclusive-access.
package output

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/framebus"
	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/logger"
	"github.com/broadify/bridge/internal/playback"
)

// TargetKind selects the helper family that drives the output.
type TargetKind string

const (
	KindDeckLink TargetKind = "decklink"
	KindDisplay  TargetKind = "display"
)

// ParseTargetKind maps a config or API string to a TargetKind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(s) {
	case "decklink":
		return KindDeckLink, nil
	case "display":
		return KindDisplay, nil
	default:
		return "", fmt.Errorf("output: unknown target kind %q (decklink, display)", s)
	}
}

// Target addresses one physical output. KeyPortID selects the external
// fill and key pair; PortID is then the fill side.
type Target struct {
	Kind         TargetKind `json:"kind"`
	DeviceID     string     `json:"deviceId,omitempty"`
	PortID       string     `json:"portId,omitempty"`
	KeyPortID    string     `json:"keyPortId,omitempty"`
	DisplayIndex int        `json:"displayIndex,omitempty"`
}

// Format describes the signal placed on the wire. Zero Colorspace, Range
// and PixelFormat normalize to auto, legal and rgba8.
type Format struct {
	Width       uint32 `json:"width"`
	Height      uint32 `json:"height"`
	FPS         uint32 `json:"fps"`
	PixelFormat string `json:"pixelFormat,omitempty"`
	Colorspace  string `json:"colorspace,omitempty"`
	Range       string `json:"range,omitempty"`
}

// Transport selects how frames reach the helper.
type Transport string

const (
	// TransportAuto picks the shared memory bus.
	TransportAuto Transport = "auto"
	// TransportFramebus delivers through the shared memory ring.
	TransportFramebus Transport = "framebus"
	// TransportStdin streams framed records over the helper's stdin, for
	// hardware that needs push delivery.
	TransportStdin Transport = "stdin"
)

// Config tunes the orchestrator. Zero values take the defaults noted on
// each field.
type Config struct {
	// HelperDir overrides the helper binary search path.
	HelperDir string
	// SlotCount is the frame bus ring depth. Zero means 3.
	SlotCount uint32
	// ReadyTimeout bounds the helper handshake. Zero means 10s.
	ReadyTimeout time.Duration
	// StopGrace is the SIGTERM to SIGKILL window. Zero means 3s.
	StopGrace time.Duration
	// MaxRestarts bounds crash recovery attempts. Zero means 3.
	MaxRestarts int
	// RestartBackoff is the initial restart delay. Zero means 500ms.
	RestartBackoff time.Duration
	// Transport selects the frame path. Empty means auto.
	Transport Transport
}

// Stage names the configuration phase that failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageBus       Stage = "bus"
	StageSpawn     Stage = "spawn"
	StageHandshake Stage = "handshake"
)

// ConfigError reports a failed ConfigureOutput with the stage that broke,
// so "bad format" is distinguishable from "missing helper binary" from
// "hardware did not come up".
type ConfigError struct {
	Stage Stage
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("output: configure failed at %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Status is a point-in-time view of the output for operators.
type Status struct {
	Configured    bool    `json:"configured"`
	Target        *Target `json:"target,omitempty"`
	Format        *Format `json:"format,omitempty"`
	BusName       string  `json:"busName,omitempty"`
	HelperState   string  `json:"helperState,omitempty"`
	FramesSent    uint64  `json:"framesSent"`
	FramesDropped uint64  `json:"framesDropped"`
	LastError     string  `json:"lastError,omitempty"`
}

const teardownTimeout = 10 * time.Second

// Orchestrator owns the single active output. ConfigureOutput and Teardown
// manage its lifecycle; SendFrame is the data path. ConfigureOutput is not
// safe for concurrent invocation and callers serialize it; SendFrame and
// Teardown may race it and each other freely.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	active  *activeOutput
	lastErr error
}

// activeOutput is everything one configured output holds: the bus, the
// supervised helper, counters, and the goroutines watching both.
type activeOutput struct {
	target  Target
	format  Format
	busName string

	writer *framebus.Writer
	stdin  bool
	sup    *helper.Supervisor

	frameSize  int
	sent       atomic.Uint64
	dropped    atomic.Uint64
	sizeLogged atomic.Uint32

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an orchestrator with no active output.
func New(cfg Config) *Orchestrator {
	if cfg.SlotCount == 0 {
		cfg.SlotCount = 3
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportAuto
	}
	return &Orchestrator{
		cfg: cfg,
		log: *logger.WithComponent("output"),
	}
}

// ConfigureOutput makes target+format the live output. Re-requesting the
// active configuration is a no-op. Any other request tears the current
// output down completely before building the new one. On failure
// everything already created is rolled back and a stage-tagged ConfigError
// comes back; no bus or helper process is leaked.
func (o *Orchestrator) ConfigureOutput(ctx context.Context, target Target, format Format) error {
	target, format, err := normalize(target, format)
	if err != nil {
		return &ConfigError{Stage: StageValidate, Err: err}
	}

	o.mu.RLock()
	same := o.active != nil && o.active.target == target && o.active.format == format
	o.mu.RUnlock()
	if same {
		o.log.Debug().Str("device", target.DeviceID).Msg("Output already configured, nothing to do")
		return nil
	}

	// The old helper must release the hardware before the new one opens it.
	o.Teardown()

	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()

	ao, err := o.create(ctx, target, format)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.active = ao
	o.mu.Unlock()

	ao.wg.Add(2)
	go o.watchFailure(ao)
	go o.statsLoop(ao)

	o.log.Info().
		Str("kind", string(target.Kind)).
		Str("device", target.DeviceID).
		Str("port", target.PortID).
		Uint32("width", format.Width).
		Uint32("height", format.Height).
		Uint32("fps", format.FPS).
		Str("bus", ao.busName).
		Msg("Output configured")
	return nil
}

func (o *Orchestrator) create(ctx context.Context, target Target, format Format) (*activeOutput, error) {
	ao := &activeOutput{
		target: target,
		format: format,
		stdin:  o.cfg.Transport == TransportStdin,
		stop:   make(chan struct{}),
	}

	busFormat := framebus.Format{
		Width:       format.Width,
		Height:      format.Height,
		FPS:         format.FPS,
		PixelFormat: framebus.PixelFormatRGBA8,
	}
	size, err := busFormat.FrameSize()
	if err != nil {
		return nil, &ConfigError{Stage: StageValidate, Err: err}
	}
	ao.frameSize = int(size)

	if !ao.stdin {
		ao.busName = "bridge-" + uuid.NewString()
		w, err := framebus.CreateWriter(ao.busName, busFormat, o.cfg.SlotCount)
		if err != nil {
			return nil, &ConfigError{Stage: StageBus, Err: err}
		}
		ao.writer = w
	}

	binPath, err := helper.Locate(helperBinary(target.Kind), o.cfg.HelperDir)
	if err != nil {
		ao.closeBus()
		return nil, &ConfigError{Stage: StageSpawn, Err: err}
	}

	args := helperArgs(target, format, ao.busName, ao.stdin)
	factory := func() *helper.Process {
		return helper.NewProcess(helper.ProcessConfig{
			Path:         binPath,
			Args:         args,
			Name:         string(target.Kind),
			WaitReady:    true,
			ReadyTimeout: o.cfg.ReadyTimeout,
			StopGrace:    o.cfg.StopGrace,
		})
	}
	sup := helper.NewSupervisor(string(target.Kind), factory, helper.RestartPolicy{
		MaxRestarts: o.cfg.MaxRestarts,
		Backoff:     o.cfg.RestartBackoff,
	})
	if err := sup.Start(ctx); err != nil {
		ao.closeBus()
		return nil, &ConfigError{Stage: startStage(err), Err: err}
	}
	ao.sup = sup
	return ao, nil
}

// startStage maps a first-generation start failure to its phase: the
// binary never ran, or it ran and failed to report ready.
func startStage(err error) Stage {
	if errors.Is(err, helper.ErrSpawn) {
		return StageSpawn
	}
	return StageHandshake
}

func helperBinary(kind TargetKind) string {
	if kind == KindDisplay {
		return helper.DisplayHelper
	}
	return helper.DeckLinkHelper
}

// helperArgs builds the fixed argument vector for a target. Nothing here
// passes through from free-form input; every value was validated.
func helperArgs(t Target, f Format, busName string, stdin bool) []string {
	w := strconv.FormatUint(uint64(f.Width), 10)
	h := strconv.FormatUint(uint64(f.Height), 10)
	fps := strconv.FormatUint(uint64(f.FPS), 10)

	switch t.Kind {
	case KindDeckLink:
		args := []string{"--playback", "--device", t.DeviceID}
		if t.KeyPortID != "" {
			args = append(args, "--fill-port", t.PortID, "--key-port", t.KeyPortID)
		} else {
			args = append(args, "--output-port", t.PortID)
		}
		args = append(args,
			"--width", w, "--height", h, "--fps", fps,
			"--pixel-format", f.PixelFormat,
			"--range", f.Range,
		)
		if f.Colorspace != "auto" {
			args = append(args, "--colorspace", f.Colorspace)
		}
		// Without a bus name the helper consumes the stdin stream.
		if !stdin {
			args = append(args, "--framebus-name", busName)
		}
		return args

	case KindDisplay:
		var args []string
		if stdin {
			args = append(args, "--stdin")
		} else {
			args = append(args, "--framebus-name", busName)
		}
		args = append(args, "--width", w, "--height", h, "--fps", fps)
		if t.DisplayIndex > 0 {
			args = append(args, "--display-index", strconv.Itoa(t.DisplayIndex))
		}
		return args
	}
	return nil
}

func normalize(t Target, f Format) (Target, Format, error) {
	switch t.Kind {
	case KindDeckLink:
		if t.DeviceID == "" {
			return t, f, fmt.Errorf("decklink target needs a device id")
		}
		if t.PortID == "" {
			return t, f, fmt.Errorf("decklink target needs an output port")
		}
		t.DisplayIndex = 0
	case KindDisplay:
		if t.DisplayIndex < 0 {
			return t, f, fmt.Errorf("display index must not be negative")
		}
		t.DeviceID, t.PortID, t.KeyPortID = "", "", ""
	default:
		return t, f, fmt.Errorf("unknown target kind %q", t.Kind)
	}

	if f.Width == 0 || f.Height == 0 || f.FPS == 0 {
		return t, f, fmt.Errorf("format %dx%d@%d is not a signal", f.Width, f.Height, f.FPS)
	}
	if f.PixelFormat == "" {
		f.PixelFormat = "rgba8"
	}
	if f.PixelFormat != "rgba8" {
		return t, f, fmt.Errorf("pixel format %q not supported end-to-end, use rgba8", f.PixelFormat)
	}
	switch f.Colorspace {
	case "":
		f.Colorspace = "auto"
	case "auto", "rec601", "rec709", "rec2020":
	default:
		return t, f, fmt.Errorf("unknown colorspace %q", f.Colorspace)
	}
	switch f.Range {
	case "":
		f.Range = "legal"
	case "legal", "full":
	default:
		return t, f, fmt.Errorf("unknown range %q (legal, full)", f.Range)
	}
	return t, f, nil
}

// Teardown stops the helper, closes the bus and clears the active output.
// Safe to call repeatedly and concurrently, including against SendFrame.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	ao := o.active
	o.active = nil
	o.mu.Unlock()
	if ao == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	ao.shutdown(ctx)
	ao.wg.Wait()
	o.log.Info().Str("bus", ao.busName).Msg("Output torn down")
}

// shutdown releases everything the output holds. Idempotent; both Teardown
// and the failure watcher funnel through here.
func (ao *activeOutput) shutdown(ctx context.Context) {
	ao.stopOnce.Do(func() { close(ao.stop) })
	if ao.sup != nil {
		if ao.stdin {
			// Best effort: tell the helper the stream is over before the
			// pipe closes under it.
			if cur := ao.sup.Current(); cur != nil {
				_ = playback.NewStreamWriter(cur.Stdin()).WriteShutdown()
			}
		}
		_ = ao.sup.Stop(ctx)
	}
	ao.closeBus()
}

func (ao *activeOutput) closeBus() {
	if ao.writer != nil {
		_ = ao.writer.Close()
	}
}

// watchFailure turns a spent restart budget into a persistent error: the
// output goes down, SendFrame starts dropping, Status carries the cause
// until the next ConfigureOutput.
func (o *Orchestrator) watchFailure(ao *activeOutput) {
	defer ao.wg.Done()
	select {
	case <-ao.stop:
	case err := <-ao.sup.Failed():
		o.mu.Lock()
		if o.active == ao {
			o.active = nil
			o.lastErr = err
		}
		o.mu.Unlock()
		o.log.Error().Err(err).Str("bus", ao.busName).Msg("Output helper failed permanently")
		ao.shutdown(context.Background())
	}
}

// Status reports the current output state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	ao, lastErr := o.active, o.lastErr
	o.mu.RUnlock()

	var st Status
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if ao == nil {
		return st
	}

	st.Configured = true
	target, format := ao.target, ao.format
	st.Target = &target
	st.Format = &format
	st.BusName = ao.busName
	st.FramesSent = ao.sent.Load()
	st.FramesDropped = ao.dropped.Load()
	if cur := ao.sup.Current(); cur != nil {
		st.HelperState = cur.State().String()
	} else {
		st.HelperState = "restarting"
	}
	return st
}

// LastError returns the persistent failure from the last helper give-up,
// nil while healthy.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}
