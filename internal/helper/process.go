package helper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/logger"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultStopGrace    = 3 * time.Second
	defaultEventBuffer  = 64

	// maxEventLine bounds a single stdout line; a full device snapshot
	// fits in a few KiB, so 1 MiB is generous.
	maxEventLine = 1 << 20
)

// ProcessConfig describes one helper invocation.
type ProcessConfig struct {
	// Path is the helper executable.
	Path string
	// Args is the full argument vector after the executable name.
	Args []string
	// Name tags log lines; defaults to the executable base name.
	Name string
	// WaitReady makes Start block until the ready handshake. Output modes
	// print ready once the device is configured; enumeration modes never
	// print it.
	WaitReady bool
	// ReadyTimeout bounds the handshake wait. Zero means 10s.
	ReadyTimeout time.Duration
	// StopGrace is how long Stop waits between SIGTERM and SIGKILL.
	// Zero means 3s.
	StopGrace time.Duration
}

func (c *ProcessConfig) name() string {
	if c.Name != "" {
		return c.Name
	}
	return filepath.Base(c.Path)
}

// Process is one supervised helper subprocess. It moves through the
// states created → spawning → ready → running → stopping → stopped, with
// crashed reachable from every live state. All methods are safe for
// concurrent use.
type Process struct {
	cfg ProcessConfig
	log zerolog.Logger

	mu         sync.RWMutex
	state      State
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	err        error
	lastStderr string

	events    chan Event
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// NewProcess builds a supervised process; nothing runs until Start.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Process{
		cfg:    cfg,
		log:    logger.WithComponent("helper").With().Str("helper", cfg.name()).Logger(),
		state:  StateCreated,
		events: make(chan Event, defaultEventBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start spawns the helper and, when WaitReady is set, blocks until the
// ready handshake, the deadline, or an early exit. On failure the child
// is already reaped when Start returns.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("helper: start from state %s", state)
	}
	p.state = StateSpawning

	cmd := exec.Command(p.cfg.Path, p.cfg.Args...)
	// A helper's stray grandchild holding the pipes open must not wedge
	// the reaper after the helper itself exits.
	cmd.WaitDelay = time.Second
	stdin, stdout, stderr, err := openPipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		spawnErr := fmt.Errorf("%w: %s: %w", ErrSpawn, p.cfg.Path, err)
		p.state = StateCrashed
		p.err = spawnErr
		p.mu.Unlock()
		p.finish()
		return spawnErr
	}
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	p.log.Debug().
		Str("path", p.cfg.Path).
		Strs("args", p.cfg.Args).
		Int("pid", cmd.Process.Pid).
		Msg("Helper spawned")

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		p.consumeStdout(stdout)
	}()
	go func() {
		defer scanners.Done()
		p.consumeStderr(stderr)
	}()
	go p.reap(&scanners)

	if !p.cfg.WaitReady {
		return nil
	}
	return p.awaitReady(ctx)
}

func openPipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, stderr, nil
}

func (p *Process) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-p.done:
		// The handshake may have landed in the same instant the helper
		// exited; a received ready still counts.
		select {
		case <-p.ready:
			return nil
		default:
		}
		if err := p.Err(); err != nil {
			return err
		}
		return fmt.Errorf("helper: %s stopped before ready", p.cfg.name())
	case <-timer.C:
		p.log.Error().
			Dur("timeout", p.cfg.ReadyTimeout).
			Msg("Helper never reported ready, killing it")
		p.kill()
		<-p.done
		return fmt.Errorf("%w: %s after %s", ErrHandshakeTimeout, p.cfg.name(), p.cfg.ReadyTimeout)
	case <-ctx.Done():
		p.kill()
		<-p.done
		return fmt.Errorf("helper: start %s: %w", p.cfg.name(), ctx.Err())
	}
}

// consumeStdout turns stdout lines into protocol events. The ready event
// is absorbed into the handshake; everything else is forwarded. A slow
// consumer drops events rather than wedging the pipe.
func (p *Process) consumeStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				p.log.Debug().Err(err).Msg("Skipping unrecognized helper event")
			} else {
				p.log.Warn().Err(err).Msg("Malformed helper event")
			}
			continue
		}
		if _, ok := ev.(ReadyEvent); ok {
			p.markReady()
			continue
		}
		if ee, ok := ev.(ErrorEvent); ok {
			p.log.Error().Str("message", ee.Message).Msg("Helper reported an error")
		}
		select {
		case p.events <- ev:
		default:
			p.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Helper event dropped, consumer too slow")
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.log.Debug().Err(err).Msg("Helper stdout closed")
	}
}

// consumeStderr logs the helper's diagnostics verbatim. Stderr is never
// parsed; the last line is kept to enrich crash reports.
func (p *Process) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.log.Debug().Str("stream", "stderr").Msg(line)
		p.mu.Lock()
		p.lastStderr = line
		p.mu.Unlock()
	}
}

func (p *Process) markReady() {
	p.mu.Lock()
	if p.state == StateSpawning {
		p.state = StateReady
		p.log.Info().Msg("Helper ready")
	}
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

// MarkStreaming notes that frames are being delivered, moving a ready
// helper to running. No-op in any other state.
func (p *Process) MarkStreaming() {
	p.mu.Lock()
	if p.state == StateReady {
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// reap waits for the child and the pipe consumers, then settles the final
// state. Any exit that was not requested is a crash, exit code zero
// included. WaitDelay makes the concurrent Wait/scanner arrangement safe.
func (p *Process) reap(scanners *sync.WaitGroup) {
	waitErr := p.cmd.Wait()
	scanners.Wait()

	p.mu.Lock()
	switch p.state {
	case StateStopping, StateStopped:
		p.state = StateStopped
	default:
		p.state = StateCrashed
		p.err = p.crashError(waitErr)
		p.log.Warn().Err(p.err).Msg("Helper exited unexpectedly")
	}
	p.mu.Unlock()
	p.finish()
}

// crashError must be called with p.mu held.
func (p *Process) crashError(waitErr error) error {
	ce := &CrashError{ExitCode: 0, Stderr: p.lastStderr}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ce.ExitCode = -1
			ce.Signal = ws.Signal().String()
		}
	} else if waitErr != nil {
		return fmt.Errorf("helper: wait: %w", waitErr)
	}
	return ce
}

// finish closes done and events exactly once.
func (p *Process) finish() {
	p.doneOnce.Do(func() {
		close(p.done)
		close(p.events)
	})
}

func (p *Process) kill() {
	p.mu.Lock()
	if p.state != StateStopped && p.state != StateCrashed {
		p.state = StateStopping
	}
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Stop shuts the helper down: stdin closes (EOF is a shutdown signal for
// stream consumers), SIGTERM, a grace period, then SIGKILL. Idempotent;
// concurrent calls wait for the same exit.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateCreated:
		p.state = StateStopped
		p.mu.Unlock()
		p.finish()
		return nil
	case StateStopped, StateCrashed:
		p.mu.Unlock()
		return nil
	case StateStopping:
		p.mu.Unlock()
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		p.state = StateStopping
	}
	cmd := p.cmd
	stdin := p.stdin
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(p.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.log.Debug().Msg("Helper stopped")
		return nil
	case <-grace.C:
		p.log.Warn().Dur("grace", p.cfg.StopGrace).Msg("Helper ignored SIGTERM, killing it")
	case <-ctx.Done():
	}

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events delivers parsed protocol events. The channel closes when the
// helper exits.
func (p *Process) Events() <-chan Event { return p.events }

// Stdin is the helper's stdin pipe, the transport for playback streams.
// Nil before Start.
func (p *Process) Stdin() io.Writer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stdin
}

// Done closes when the helper has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err reports why the helper is gone: a *CrashError after a crash, nil
// after a requested stop or while still alive.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// State reports the current lifecycle state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// PID returns the child's pid, or 0 before spawn.
func (p *Process) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
