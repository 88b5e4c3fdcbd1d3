// Package helper spawns and supervises the native output helper binaries.
//
// Helpers are separate executables (DeckLink playback, fullscreen display)
// so that vendor SDK instability and GPU driver quirks cannot take the
// bridge process down. The contract with a helper is narrow: argv in,
// newline-delimited JSON events on stdout, free-form diagnostics on stderr
// (logged, never parsed), frames over a shared-memory bus or a binary
// stdin stream.
package helper

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a supervised helper process.
type State int32

const (
	// StateCreated: constructed, not yet spawned.
	StateCreated State = iota
	// StateSpawning: child started, ready handshake outstanding.
	StateSpawning
	// StateReady: handshake received, output configured on the device.
	StateReady
	// StateRunning: frames are flowing.
	StateRunning
	// StateStopping: shutdown requested, waiting for exit.
	StateStopping
	// StateStopped: exited on request.
	StateStopped
	// StateCrashed: exited without being asked, or never came up.
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrSpawn reports that the helper executable could not be started.
	ErrSpawn = errors.New("helper: spawn failed")

	// ErrHandshakeTimeout reports that a spawned helper never printed its
	// ready event within the deadline.
	ErrHandshakeTimeout = errors.New("helper: ready handshake timed out")

	// ErrHelperFailed is the persistent failure surfaced after the restart
	// budget is exhausted.
	ErrHelperFailed = errors.New("helper: failed permanently")

	// ErrUnknownEvent marks stdout events with an unrecognized type.
	// Callers skip them; newer helpers may emit types this side predates.
	ErrUnknownEvent = errors.New("helper: unknown event type")

	// ErrNotFound reports that no usable helper binary could be located.
	ErrNotFound = errors.New("helper: binary not found")
)

// CrashError describes an exit the supervisor did not request.
type CrashError struct {
	ExitCode int    // -1 when terminated by a signal
	Signal   string // signal name when terminated by one
	Stderr   string // last captured stderr line, best effort
}

func (e *CrashError) Error() string {
	switch {
	case e.Signal != "" && e.Stderr != "":
		return fmt.Sprintf("helper: killed by %s (last stderr: %s)", e.Signal, e.Stderr)
	case e.Signal != "":
		return fmt.Sprintf("helper: killed by %s", e.Signal)
	case e.Stderr != "":
		return fmt.Sprintf("helper: exited with code %d (last stderr: %s)", e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("helper: exited with code %d", e.ExitCode)
	}
}
