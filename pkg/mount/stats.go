package mount

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DeviceStats represents filesystem statistics
type DeviceStats struct {
	// Total size in bytes
	TotalBytes int64

	// Used bytes
	UsedBytes int64

	// Available bytes (for unprivileged users)
	AvailableBytes int64

	// Total inodes
	TotalInodes int64

	// Used inodes
	UsedInodes int64

	// Available inodes
	AvailableInodes int64
}

// statsFromStatfs converts statfs counters. Used blocks are counted against
// the free (not available) blocks so reserved blocks show up as used.
func statsFromStatfs(st *unix.Statfs_t) *DeviceStats {
	frsize := int64(st.Frsize)
	if frsize == 0 {
		frsize = int64(st.Bsize)
	}
	return &DeviceStats{
		TotalBytes:      int64(st.Blocks) * frsize,
		AvailableBytes:  int64(st.Bavail) * frsize,
		UsedBytes:       (int64(st.Blocks) - int64(st.Bfree)) * frsize,
		TotalInodes:     int64(st.Files),
		AvailableInodes: int64(st.Ffree),
		UsedInodes:      int64(st.Files) - int64(st.Ffree),
	}
}

// GetDeviceStats returns filesystem statistics for the given path
func (m *mounter) GetDeviceStats(path string) (*DeviceStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s failed: %w", path, err)
	}
	return statsFromStatfs(&st), nil
}

// IsBlockDevice checks if path is a block device node. A missing path is not.
func (m *mounter) IsBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s failed: %w", path, err)
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}
