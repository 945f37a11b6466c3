package utils

const (
	// MiB is the allocation unit of OpenNebula images.
	MiB int64 = 1024 * 1024

	// DefaultVolumeSizeMB is used when a request carries no capacity range.
	DefaultVolumeSizeMB int64 = 1024

	// MinVolumeSizeMB is the smallest image the driver allocates.
	MinVolumeSizeMB int64 = 10
)

// BytesToMB converts bytes to whole megabytes, rounding up.
func BytesToMB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + MiB - 1) / MiB
}

// MBToBytes converts megabytes to bytes.
func MBToBytes(mb int64) int64 {
	return mb * MiB
}

// VolumeSizeMB computes the image size for a capacity range. The larger of
// required and limit wins, rounded up to a whole megabyte and clamped to
// minMB. If both are zero defaultMB is returned.
func VolumeSizeMB(requiredBytes, limitBytes, minMB, defaultMB int64) int64 {
	if requiredBytes <= 0 && limitBytes <= 0 {
		return defaultMB
	}
	size := requiredBytes
	if limitBytes > size {
		size = limitBytes
	}
	mb := BytesToMB(size)
	if mb < minMB {
		mb = minMB
	}
	return mb
}
