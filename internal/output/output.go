package output

import (
	"errors"
	"time"

	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/playback"
)

var errHelperRestarting = errors.New("output: helper is restarting")

// SendFrame delivers one rendered RGBA frame to the active output.
//
// With no active output the frame is dropped silently with no log line;
// renderer and output shut down in arbitrary order and that race is not
// the caller's problem. A frame of the wrong size is dropped and counted,
// with only the first two occurrences per configuration logged. Transport
// errors during teardown or helper restart count as drops.
func (o *Orchestrator) SendFrame(data []byte, timestampNs uint64) {
	o.mu.RLock()
	ao := o.active
	o.mu.RUnlock()
	if ao == nil {
		return
	}

	if len(data) != ao.frameSize {
		ao.dropped.Add(1)
		if n := ao.sizeLogged.Add(1); n <= 2 {
			o.log.Warn().
				Int("got", len(data)).
				Int("want", ao.frameSize).
				Msg("Dropping frame with wrong size")
		}
		return
	}

	var err error
	if ao.writer != nil {
		err = ao.writer.WriteFrame(data, timestampNs)
	} else {
		err = ao.writeStdin(data, timestampNs)
	}
	if err != nil {
		ao.dropped.Add(1)
		return
	}
	ao.sent.Add(1)

	// First delivery after ready moves the helper to running; a no-op in
	// every other state, so calling per frame is safe across restarts.
	if cur := ao.sup.Current(); cur != nil {
		cur.MarkStreaming()
	}
}

// writeStdin pushes one framed record to the current helper generation.
// The pipe belongs to the generation, so it is looked up per frame rather
// than cached across restarts.
func (ao *activeOutput) writeStdin(data []byte, timestampNs uint64) error {
	cur := ao.sup.Current()
	if cur == nil {
		return errHelperRestarting
	}
	sw := playback.NewStreamWriter(cur.Stdin())
	return sw.WriteFrame(ao.format.Width, ao.format.Height, timestampNs, data)
}

// HelperState exposes the live helper's lifecycle state, StateStopped when
// no output is active.
func (o *Orchestrator) HelperState() helper.State {
	o.mu.RLock()
	ao := o.active
	o.mu.RUnlock()
	if ao == nil {
		return helper.StateStopped
	}
	cur := ao.sup.Current()
	if cur == nil {
		return helper.StateCrashed
	}
	return cur.State()
}

// statsLoop logs frame delivery deltas while frames flow. Quiet when idle.
func (o *Orchestrator) statsLoop(ao *activeOutput) {
	defer ao.wg.Done()
	const interval = 5 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSent, lastDropped uint64
	for {
		select {
		case <-ao.stop:
			return
		case <-ticker.C:
			sent, dropped := ao.sent.Load(), ao.dropped.Load()
			if sent == lastSent && dropped == lastDropped {
				continue
			}
			o.log.Debug().
				Uint64("sent", sent-lastSent).
				Uint64("dropped", dropped-lastDropped).
				Float64("fps", float64(sent-lastSent)/interval.Seconds()).
				Str("bus", ao.busName).
				Msg("Frame delivery")
			lastSent, lastDropped = sent, dropped
		}
	}
}
