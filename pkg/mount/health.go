package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

const (
	// HealthCheckTimeout is the maximum time to wait for a filesystem check
	HealthCheckTimeout = 10 * time.Minute

	// ResizeTimeout is the maximum time to wait for a filesystem resize
	ResizeTimeout = 10 * time.Minute
)

// fsck exit codes, see fsck(8)
const (
	fsckNoErrors        = 0
	fsckErrorsCorrected = 1
)

// resizeTools maps a filesystem type to the tool that grows it offline or
// online to the size of its block device.
var resizeTools = map[string]string{
	"ext2": "resize2fs",
	"ext3": "resize2fs",
	"ext4": "resize2fs",
}

// ResizeTool returns the tool used to grow fsType.
func ResizeTool(fsType string) (string, bool) {
	tool, ok := resizeTools[fsType]
	return tool, ok
}

// Check runs fsck with automatic repair on an unmounted device.
//
// IMPORTANT: Only call this on UNMOUNTED devices. Running fsck on mounted
// filesystems can corrupt them.
func (m *mounter) Check(ctx context.Context, device string) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	startTime := time.Now()
	output, err := m.run(ctx, "fsck", "-T", "-fp", device)
	duration := time.Since(startTime)

	if duration > 30*time.Second {
		klog.Warningf("Filesystem check took %v (device: %s)", duration, device)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.recordFilesystem("check", "", ctx.Err())
		return fmt.Errorf("filesystem check timed out after %v for device %s", HealthCheckTimeout, device)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == fsckErrorsCorrected {
			klog.Warningf("fsck corrected errors on %s: %s", device, output)
			m.recordFilesystem("check", "", nil)
			return nil
		}
		m.recordFilesystem("check", "", err)
		return fmt.Errorf("fsck failed for device %s: %w, output: %s", device, err, output)
	}

	m.recordFilesystem("check", "", nil)
	klog.V(4).Infof("Filesystem check passed for %s (duration: %v)", device, duration)
	return nil
}

// Resize grows the filesystem on device to the current size of the device
func (m *mounter) Resize(ctx context.Context, device, fsType string) error {
	tool, ok := ResizeTool(fsType)
	if !ok {
		m.recordFilesystem("resize", fsType, fmt.Errorf("unsupported"))
		return fmt.Errorf("resizing filesystem %q is not supported", fsType)
	}

	ctx, cancel := context.WithTimeout(ctx, ResizeTimeout)
	defer cancel()

	klog.V(2).Infof("Resizing %s filesystem on %s with %s", fsType, device, tool)
	output, err := m.run(ctx, tool, device)
	m.recordFilesystem("resize", fsType, err)
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", tool, err, output)
	}

	klog.V(2).Infof("Successfully resized filesystem on %s", device)
	return nil
}
