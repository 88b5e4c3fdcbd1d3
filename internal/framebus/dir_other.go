//go:build !linux

package framebus

import "os"

// shmDir falls back to the user temp dir on platforms without /dev/shm.
// File-backed shared mappings behave identically, minus the tmpfs
// guarantee that pages never touch disk.
func shmDir() string {
	return os.TempDir()
}
