//go:build linux

package framebus

// shmDir is where named regions live. /dev/shm is the backing store the
// POSIX shm_open family uses, so helpers using shm_open("/name") and this
// package interoperate on the same objects.
func shmDir() string {
	return "/dev/shm"
}
