package evict

import (
	"time"

	"golang.org/x/sys/unix"
)

// BirthTime returns the file creation time from statx, falling back to the
// inode change time when the filesystem does not record birth times.
func BirthTime(path string) (time.Time, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, unix.STATX_BTIME|unix.STATX_CTIME, &stx)
	if err != nil {
		return time.Time{}, err
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), nil
	}
	return time.Unix(stx.Ctime.Sec, int64(stx.Ctime.Nsec)), nil
}
