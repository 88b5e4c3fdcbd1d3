package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// queryTimeout bounds one-shot enumeration runs; a helper wedged inside a
// vendor SDK call must not hang the caller.
const queryTimeout = 15 * time.Second

// ListDevices runs the helper in list mode and returns every output device
// it can see. The helper prints a single JSON array on stdout.
func ListDevices(ctx context.Context, binPath string) ([]Device, error) {
	out, err := runQuery(ctx, binPath, "--list")
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(out, &devices); err != nil {
		return nil, fmt.Errorf("helper: parse device list: %w", err)
	}
	return devices, nil
}

// ModeQuery narrows a list-modes run. DeviceID and PortID are required;
// the rest filter the result on the helper side.
type ModeQuery struct {
	DeviceID string
	PortID   string
	Width    int
	Height   int
	FPS      float64
	Keying   bool
}

// ListModes returns the display modes a device port supports.
func ListModes(ctx context.Context, binPath string, q ModeQuery) ([]DisplayMode, error) {
	if q.DeviceID == "" || q.PortID == "" {
		return nil, fmt.Errorf("helper: list-modes needs a device and an output port")
	}
	args := []string{"--list-modes", "--device", q.DeviceID, "--output-port", q.PortID}
	if q.Width > 0 {
		args = append(args, "--width", strconv.Itoa(q.Width))
	}
	if q.Height > 0 {
		args = append(args, "--height", strconv.Itoa(q.Height))
	}
	if q.FPS > 0 {
		args = append(args, "--fps", strconv.FormatFloat(q.FPS, 'f', -1, 64))
	}
	if q.Keying {
		args = append(args, "--keying")
	}

	out, err := runQuery(ctx, binPath, args...)
	if err != nil {
		return nil, err
	}
	var modes []DisplayMode
	if err := json.Unmarshal(out, &modes); err != nil {
		return nil, fmt.Errorf("helper: parse mode list: %w", err)
	}
	return modes, nil
}

func runQuery(ctx context.Context, binPath string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binPath, args...).Output()
	if err != nil {
		name := filepath.Base(binPath)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("helper: %s %s: %w: %s", name, args[0], err, lastLine(exitErr.Stderr))
		}
		return nil, fmt.Errorf("helper: %s %s: %w", name, args[0], err)
	}
	return out, nil
}

// lastLine extracts the final non-empty stderr line for error messages.
func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
