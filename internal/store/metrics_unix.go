//go:build unix

package store

import "golang.org/x/sys/unix"

// freeBytes reports free space on the filesystem backing path via
// statfs(2). Returns -1 if the syscall fails.
func freeBytes(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
