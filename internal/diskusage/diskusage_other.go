//go:build !linux

package diskusage

// Free is a no-op stub on non-Linux build targets; the daemon only ships
// for Linux, where the statfs-backed implementation applies.
func Free(path string) (free, total uint64, err error) {
	return 0, 0, nil
}
