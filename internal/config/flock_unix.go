//go:build !windows

package config

import "syscall"

// flockLock takes an exclusive lock on the scrubber's lock file. Blocks
// until any other process editing the config has released it.
func flockLock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

// flockUnlock releases the lock taken by flockLock.
func flockUnlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
