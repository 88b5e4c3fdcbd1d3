package helper

import (
	"context"
	"time"
)

// Watcher is a running hotplug enumeration stream: the helper sits on the
// vendor discovery callbacks and reports device arrivals and departures
// until closed.
type Watcher struct {
	proc *Process
}

// Watch starts the helper in watch mode. The stream opens with a full
// devices snapshot, then carries device_added/device_removed deltas.
// Watch mode has no ready handshake; the snapshot is the first event.
func Watch(ctx context.Context, binPath string) (*Watcher, error) {
	p := NewProcess(ProcessConfig{
		Path: binPath,
		Args: []string{"--watch"},
		Name: "device-watch",
	})
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return &Watcher{proc: p}, nil
}

// Events delivers the snapshot and deltas. Closes when the helper exits.
func (w *Watcher) Events() <-chan Event { return w.proc.Events() }

// Done closes when the watch helper has exited.
func (w *Watcher) Done() <-chan struct{} { return w.proc.Done() }

// Err reports why the stream ended, nil for a requested Close.
func (w *Watcher) Err() error { return w.proc.Err() }

// Close stops the watch helper.
func (w *Watcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.proc.Stop(ctx)
}
