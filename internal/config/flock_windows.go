//go:build windows

package config

import "golang.org/x/sys/windows"

// flockLock takes an exclusive lock on the scrubber's lock file via
// LockFileEx, blocking like flock(2) does on Unix.
func flockLock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

// flockUnlock releases the lock taken by flockLock.
func flockUnlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
