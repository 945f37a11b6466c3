package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/mount"
)

// Device is a disk visible to the mock mounter.
type Device struct {
	// ID identifies the backing storage; filesystems follow it, not the path
	ID string

	// SizeMB is the current size of the device
	SizeMB int64
}

// DeviceResolver returns the disk currently behind a device path.
type DeviceResolver func(path string) (Device, bool)

// filesystem is the state of a formatted device
type filesystem struct {
	fsType string
	sizeMB int64
}

// MockMounter is an in-memory mount.Mounter. Block devices come from a
// DeviceResolver so a test can back them with the mock frontend.
type MockMounter struct {
	mu sync.RWMutex

	resolve DeviceResolver

	// Filesystems by device ID
	filesystems map[string]*filesystem

	// Mount table in mount order
	mounts []mount.MountInfo

	// Error injection
	mountErr   error
	unmountErr error
	formatErr  error
	resizeErr  error

	// Call tracking
	mountCalls   []MountCall
	unmountCalls []string
	formatCalls  []FormatCall
	resizeCalls  []string
}

// MountCall tracks a Mount or BindMount operation
type MountCall struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// FormatCall tracks a Format operation
type FormatCall struct {
	Device string
	FSType string
}

var _ mount.Mounter = (*MockMounter)(nil)

// NewMockMounter creates a mock mounter whose devices come from resolve
func NewMockMounter(resolve DeviceResolver) *MockMounter {
	return &MockMounter{
		resolve:     resolve,
		filesystems: make(map[string]*filesystem),
	}
}

func (m *MockMounter) device(path string) (Device, error) {
	dev, ok := m.resolve(path)
	if !ok {
		return Device{}, fmt.Errorf("%s: no such device", path)
	}
	return dev, nil
}

// GetFilesystem implements mount.Mounter
func (m *MockMounter) GetFilesystem(ctx context.Context, device string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, err := m.device(device)
	if err != nil {
		return "", err
	}
	if fs, ok := m.filesystems[dev.ID]; ok {
		return fs.fsType, nil
	}
	return "", nil
}

// Format implements mount.Mounter
func (m *MockMounter) Format(ctx context.Context, device, fsType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.formatCalls = append(m.formatCalls, FormatCall{Device: device, FSType: fsType})
	if m.formatErr != nil {
		return m.formatErr
	}

	dev, err := m.device(device)
	if err != nil {
		return err
	}
	m.filesystems[dev.ID] = &filesystem{fsType: fsType, sizeMB: dev.SizeMB}
	return nil
}

// Check implements mount.Mounter
func (m *MockMounter) Check(ctx context.Context, device string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.device(device)
	return err
}

// Resize implements mount.Mounter; the filesystem takes the device size
func (m *MockMounter) Resize(ctx context.Context, device, fsType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resizeCalls = append(m.resizeCalls, device)
	if m.resizeErr != nil {
		return m.resizeErr
	}
	if _, ok := mount.ResizeTool(fsType); !ok {
		return fmt.Errorf("resizing filesystem %q is not supported", fsType)
	}

	dev, err := m.device(device)
	if err != nil {
		return err
	}
	fs, ok := m.filesystems[dev.ID]
	if !ok {
		return fmt.Errorf("no filesystem on %s", device)
	}
	fs.sizeMB = dev.SizeMB
	return nil
}

// Mount implements mount.Mounter
func (m *MockMounter) Mount(ctx context.Context, source, target, fsType string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mountCalls = append(m.mountCalls, MountCall{Source: source, Target: target, FSType: fsType, Options: options})
	if m.mountErr != nil {
		return m.mountErr
	}

	dev, err := m.device(source)
	if err != nil {
		return err
	}
	if fs, ok := m.filesystems[dev.ID]; !ok || fs.fsType != fsType {
		return fmt.Errorf("wrong fs type, bad option, bad superblock on %s", source)
	}

	m.mounts = append(m.mounts, mount.MountInfo{
		Source:  source,
		Target:  target,
		FSType:  fsType,
		Options: strings.Join(options, ","),
	})
	return nil
}

// BindMount implements mount.Mounter
func (m *MockMounter) BindMount(ctx context.Context, source, target string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mountCalls = append(m.mountCalls, MountCall{Source: source, Target: target, Options: append([]string{"bind"}, options...)})
	if m.mountErr != nil {
		return m.mountErr
	}

	staged, ok := mount.FindByTarget(m.mounts, source)
	if !ok {
		return fmt.Errorf("%s is not mounted", source)
	}
	m.mounts = append(m.mounts, mount.MountInfo{
		Source:  staged.Source,
		Target:  target,
		FSType:  staged.FSType,
		Options: strings.Join(options, ","),
	})
	return nil
}

// Unmount implements mount.Mounter
func (m *MockMounter) Unmount(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmountCalls = append(m.unmountCalls, target)
	if m.unmountErr != nil {
		return m.unmountErr
	}

	for i := len(m.mounts) - 1; i >= 0; i-- {
		if m.mounts[i].Target == target {
			m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: not mounted", target)
}

// ListMounts implements mount.Mounter
func (m *MockMounter) ListMounts(ctx context.Context) ([]mount.MountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]mount.MountInfo(nil), m.mounts...), nil
}

// IsMountPoint implements mount.Mounter
func (m *MockMounter) IsMountPoint(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := mount.FindByTarget(m.mounts, path)
	return ok, nil
}

// IsBlockDevice implements mount.Mounter
func (m *MockMounter) IsBlockDevice(path string) (bool, error) {
	_, ok := m.resolve(path)
	return ok, nil
}

// GetDeviceStats implements mount.Mounter. A fresh filesystem is reported
// with 5% used.
func (m *MockMounter) GetDeviceStats(path string) (*mount.DeviceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mi, ok := mount.FindByTarget(m.mounts, path)
	if !ok {
		return nil, fmt.Errorf("not mounted: %s", path)
	}
	dev, err := m.device(mi.Source)
	if err != nil {
		return nil, err
	}
	fs, ok := m.filesystems[dev.ID]
	if !ok {
		return nil, fmt.Errorf("no filesystem on %s", mi.Source)
	}

	total := fs.sizeMB * 1024 * 1024
	used := total / 20
	inodes := fs.sizeMB * 64
	return &mount.DeviceStats{
		TotalBytes:      total,
		UsedBytes:       used,
		AvailableBytes:  total - used,
		TotalInodes:     inodes,
		UsedInodes:      11,
		AvailableInodes: inodes - 11,
	}, nil
}

// Test helper methods

// SetMountError sets an error to return on Mount and BindMount operations
func (m *MockMounter) SetMountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mountErr = err
}

// SetUnmountError sets an error to return on Unmount operations
func (m *MockMounter) SetUnmountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmountErr = err
}

// SetFormatError sets an error to return on Format operations
func (m *MockMounter) SetFormatError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formatErr = err
}

// SetResizeError sets an error to return on Resize operations
func (m *MockMounter) SetResizeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizeErr = err
}

// ClearErrors clears all error injection
func (m *MockMounter) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearErrors()
}

func (m *MockMounter) clearErrors() {
	m.mountErr = nil
	m.unmountErr = nil
	m.formatErr = nil
	m.resizeErr = nil
}

// GetMountCalls returns the history of Mount and BindMount calls
func (m *MockMounter) GetMountCalls() []MountCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MountCall(nil), m.mountCalls...)
}

// GetUnmountCalls returns the history of Unmount calls
func (m *MockMounter) GetUnmountCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.unmountCalls...)
}

// GetFormatCalls returns the history of Format calls
func (m *MockMounter) GetFormatCalls() []FormatCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FormatCall(nil), m.formatCalls...)
}

// GetResizeCalls returns the devices passed to Resize
func (m *MockMounter) GetResizeCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.resizeCalls...)
}

// IsMounted checks if a path is currently mounted
func (m *MockMounter) IsMounted(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := mount.FindByTarget(m.mounts, path)
	return ok
}

// FilesystemSizeMB returns the size of the filesystem on a device ID
func (m *MockMounter) FilesystemSizeMB(id string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs, ok := m.filesystems[id]
	if !ok {
		return 0, false
	}
	return fs.sizeMB, true
}

// Reset clears all state for test isolation
func (m *MockMounter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesystems = make(map[string]*filesystem)
	m.mounts = nil
	m.mountCalls = nil
	m.unmountCalls = nil
	m.formatCalls = nil
	m.resizeCalls = nil
	m.clearErrors()
}
