package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
)

// Mounter wraps the filesystem tools and kernel interfaces the node service
// needs. Every method reads live state; nothing is cached between calls.
type Mounter interface {
	// GetFilesystem returns the filesystem signature on device, or "" if none
	GetFilesystem(ctx context.Context, device string) (string, error)

	// Format creates a filesystem of fsType on device
	Format(ctx context.Context, device, fsType string) error

	// Check runs a filesystem check and automatic repair on an unmounted device
	Check(ctx context.Context, device string) error

	// Resize grows the filesystem on device to the size of the device
	Resize(ctx context.Context, device, fsType string) error

	// Mount mounts source to target with the given fsType and options
	Mount(ctx context.Context, source, target, fsType string, options []string) error

	// BindMount bind-mounts source onto target; "bind" is added to options
	BindMount(ctx context.Context, source, target string, options []string) error

	// Unmount unmounts the target
	Unmount(ctx context.Context, target string) error

	// ListMounts returns the current mount table
	ListMounts(ctx context.Context) ([]MountInfo, error)

	// IsMountPoint checks if a path is a mount point
	IsMountPoint(path string) (bool, error)

	// IsBlockDevice checks if path is a block device node
	IsBlockDevice(path string) (bool, error)

	// GetDeviceStats returns filesystem statistics of the filesystem mounted at path
	GetDeviceStats(path string) (*DeviceStats, error)
}

// mounter implements Mounter interface using system commands
type mounter struct {
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	metrics     *observability.Metrics
}

// NewMounter creates a new filesystem mounter. metrics may be nil.
func NewMounter(metrics *observability.Metrics) Mounter {
	return &mounter{
		execCommand: exec.CommandContext,
		metrics:     metrics,
	}
}

// run executes a tool and returns its combined output.
func (m *mounter) run(ctx context.Context, name string, args ...string) (string, error) {
	klog.V(5).Infof("Executing %s %s", name, strings.Join(args, " "))
	output, err := m.execCommand(ctx, name, args...).CombinedOutput()
	klog.V(5).Infof("%s output: %s", name, string(output))
	return string(output), err
}

func (m *mounter) recordMount(operation string, err error) {
	if m.metrics != nil {
		m.metrics.RecordMountOp(operation, err)
	}
}

func (m *mounter) recordFilesystem(operation, fsType string, err error) {
	if m.metrics != nil {
		m.metrics.RecordFilesystemOp(operation, fsType, err)
	}
}

// GetFilesystem reads the filesystem type of device with blkid
func (m *mounter) GetFilesystem(ctx context.Context, device string) (string, error) {
	output, err := m.run(ctx, "blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil {
		// blkid exits with 2 when no signature was found
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			klog.V(4).Infof("No filesystem signature on %s", device)
			return "", nil
		}
		return "", fmt.Errorf("blkid failed: %w, output: %s", err, output)
	}

	fsType := strings.TrimSpace(output)
	klog.V(4).Infof("Device %s has filesystem %q", device, fsType)
	return fsType, nil
}

// Format formats a device with the specified filesystem type
func (m *mounter) Format(ctx context.Context, device, fsType string) error {
	if fsType == "" || strings.ContainsAny(fsType, "/ ") {
		return fmt.Errorf("invalid filesystem type %q", fsType)
	}
	klog.V(2).Infof("Formatting device %s with %s", device, fsType)

	output, err := m.run(ctx, "mkfs."+fsType, device)
	m.recordFilesystem("format", fsType, err)
	if err != nil {
		return fmt.Errorf("mkfs.%s failed: %w, output: %s", fsType, err, output)
	}

	klog.V(2).Infof("Successfully formatted %s with %s", device, fsType)
	return nil
}

// Mount mounts source to target with the given filesystem type and options
func (m *mounter) Mount(ctx context.Context, source, target, fsType string, options []string) error {
	klog.V(2).Infof("Mounting %s to %s (fsType: %s, options: %v)", source, target, fsType, options)

	args := []string{}
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, source, target)

	output, err := m.run(ctx, "mount", args...)
	m.recordMount("mount", err)
	if err != nil {
		return fmt.Errorf("mount failed: %w, output: %s", err, output)
	}

	klog.V(2).Infof("Successfully mounted %s to %s", source, target)
	return nil
}

// BindMount bind-mounts source onto target
func (m *mounter) BindMount(ctx context.Context, source, target string, options []string) error {
	klog.V(2).Infof("Bind mounting %s to %s (options: %v)", source, target, options)

	opts := append([]string{"bind"}, options...)
	output, err := m.run(ctx, "mount", "-o", strings.Join(opts, ","), source, target)
	m.recordMount("bind_mount", err)
	if err != nil {
		return fmt.Errorf("bind mount failed: %w, output: %s", err, output)
	}

	klog.V(2).Infof("Successfully bind mounted %s to %s", source, target)
	return nil
}

// Unmount unmounts the target path
func (m *mounter) Unmount(ctx context.Context, target string) error {
	klog.V(2).Infof("Unmounting %s", target)

	output, err := m.run(ctx, "umount", target)
	m.recordMount("unmount", err)
	if err != nil {
		return fmt.Errorf("umount failed: %w, output: %s", err, output)
	}

	klog.V(2).Infof("Successfully unmounted %s", target)
	return nil
}
