package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// countedScript returns a fake helper that appends one marker per spawn,
// so tests can count generations.
func countedScript(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	count := filepath.Join(dir, "spawns")
	path := filepath.Join(dir, "fake-helper")
	script := fmt.Sprintf("#!/bin/sh\necho x >> %s\n%s\n", count, body)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path, count
}

func spawnCount(t *testing.T, count string) int {
	t.Helper()
	data, err := os.ReadFile(count)
	if err != nil {
		t.Fatalf("read spawn counter: %v", err)
	}
	return bytes.Count(data, []byte("x"))
}

func TestSupervisorExhaustsRestartBudget(t *testing.T) {
	path, count := countedScript(t, `echo '{"type":"ready"}'; exit 1`)
	sup := NewSupervisor("crashy", func() *Process {
		return NewProcess(ProcessConfig{Path: path, WaitReady: true})
	}, RestartPolicy{
		MaxRestarts:   2,
		Backoff:       20 * time.Millisecond,
		HealthyUptime: time.Hour,
	})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(context.Background())

	select {
	case err := <-sup.Failed():
		if !errors.Is(err, ErrHelperFailed) {
			t.Fatalf("permanent failure = %v, want ErrHelperFailed", err)
		}
		var ce *CrashError
		if !errors.As(err, &ce) {
			t.Errorf("permanent failure does not carry the crash cause: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("restart budget never exhausted")
	}

	// One initial generation plus MaxRestarts attempts.
	if got := spawnCount(t, count); got != 3 {
		t.Errorf("spawns = %d, want 3", got)
	}
	if sup.Current() != nil {
		t.Error("Current() non-nil after permanent failure")
	}
}

func TestSupervisorRecoversAfterCrash(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "crashed-once")
	body := fmt.Sprintf(`if [ ! -f %s ]; then
  touch %s
  echo '{"type":"ready"}'
  exit 1
fi
echo '{"type":"ready"}'
exec sleep 60`, flag, flag)
	path := filepath.Join(dir, "fake-helper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	sup := NewSupervisor("flaky", func() *Process {
		return NewProcess(ProcessConfig{Path: path, WaitReady: true})
	}, RestartPolicy{MaxRestarts: 3, Backoff: 20 * time.Millisecond, HealthyUptime: time.Hour})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(context.Background())

	first := sup.Current()
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur := sup.Current()
		if cur != nil && cur != first && cur.State() == StateReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("supervisor never brought up a replacement generation")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-sup.Failed():
		t.Fatalf("unexpected permanent failure: %v", err)
	default:
	}
}

func TestSupervisorStopCancelsBackoff(t *testing.T) {
	path, count := countedScript(t, `echo '{"type":"ready"}'; exit 1`)
	sup := NewSupervisor("crashy", func() *Process {
		return NewProcess(ProcessConfig{Path: path, WaitReady: true})
	}, RestartPolicy{MaxRestarts: 5, Backoff: 30 * time.Second, HealthyUptime: time.Hour})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first generation to die, putting the monitor into its
	// long backoff sleep.
	first := sup.Current()
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first generation never exited")
	}

	start := time.Now()
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop during backoff took %s", elapsed)
	}
	if got := spawnCount(t, count); got != 1 {
		t.Errorf("spawns = %d, want 1 (no restart after Stop)", got)
	}
}
