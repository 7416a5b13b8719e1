package storage

import "golang.org/x/sys/unix"

// freeBytes returns bytes available to an unprivileged user on the
// filesystem backing path, via statfs(2). Mirrors the fs2::available_space
// call in storage.rs, which also resolves the enclosing filesystem rather
// than requiring path to itself be the mount point.
func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
