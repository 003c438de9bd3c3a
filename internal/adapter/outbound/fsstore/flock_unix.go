//go:build !windows

package fsstore

import "syscall"

// flockLock takes an exclusive advisory lock on fd, blocking until held.
func flockLock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

// flockUnlock drops the advisory lock on fd.
func flockUnlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
