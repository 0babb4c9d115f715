//go:build linux

// Package diskusage reports free/total space for the buffer directory, fed
// into the health endpoint's disk-low warning.
//
// Grounded on the teacher's own pattern of gating raw syscall use behind a
// //go:build linux tag (see internal/pusher/channel_linux.go's use of
// syscall.Mkfifo).
package diskusage

import "syscall"

// Free reports free and total bytes on the filesystem backing path.
func Free(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}
