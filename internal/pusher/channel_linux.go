//go:build linux

package pusher

import (
	"fmt"
	"os"
	"syscall"
)

// ensureChannel makes sure a FIFO named transport channel exists at path,
// removing and recreating anything else found there.
//
// Grounded on the teacher's internal/lock/filelock.go low-level syscall use
// gated behind the same //go:build linux tag.
func ensureChannel(path string) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeNamedPipe != 0 {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale channel file %q: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("stat channel %q: %w", path, err)
	}

	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("mkfifo %q: %w", path, err)
	}
	return nil
}
