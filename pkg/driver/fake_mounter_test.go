package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/mount"
)

// fakeMounter is an in-memory mount.Mounter. Devices, filesystems and the
// mount table are plain maps; every call is recorded.
type fakeMounter struct {
	mu sync.Mutex

	blockDevices map[string]bool
	filesystems  map[string]string // device -> fs type
	mounts       []mount.MountInfo
	stats        *mount.DeviceStats

	// deviceSizeMB returns the current size of a device; resized filesystems
	// take this size
	deviceSizeMB func(device string) int64
	fsSizeMB     map[string]int64

	// failures by method name
	fail map[string]error

	calls []string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		blockDevices: make(map[string]bool),
		filesystems:  make(map[string]string),
		fsSizeMB:     make(map[string]int64),
		fail:         make(map[string]error),
	}
}

func (f *fakeMounter) record(call string) error {
	f.calls = append(f.calls, call)
	for method, err := range f.fail {
		if strings.HasPrefix(call, method) {
			return err
		}
	}
	return nil
}

func (f *fakeMounter) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeMounter) GetFilesystem(ctx context.Context, device string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetFilesystem " + device); err != nil {
		return "", err
	}
	return f.filesystems[device], nil
}

func (f *fakeMounter) Format(ctx context.Context, device, fsType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("Format %s %s", device, fsType)); err != nil {
		return err
	}
	f.filesystems[device] = fsType
	if f.deviceSizeMB != nil {
		f.fsSizeMB[device] = f.deviceSizeMB(device)
	}
	return nil
}

func (f *fakeMounter) Check(ctx context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("Check " + device)
}

func (f *fakeMounter) Resize(ctx context.Context, device, fsType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("Resize %s %s", device, fsType)); err != nil {
		return err
	}
	if _, ok := mount.ResizeTool(fsType); !ok {
		return fmt.Errorf("resizing filesystem %q is not supported", fsType)
	}
	if f.deviceSizeMB != nil {
		f.fsSizeMB[device] = f.deviceSizeMB(device)
	}
	return nil
}

func (f *fakeMounter) Mount(ctx context.Context, source, target, fsType string, options []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("Mount %s %s %s %v", source, target, fsType, options)); err != nil {
		return err
	}
	f.mounts = append(f.mounts, mount.MountInfo{Source: source, Target: target, FSType: fsType, Options: strings.Join(options, ",")})
	return nil
}

func (f *fakeMounter) BindMount(ctx context.Context, source, target string, options []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("BindMount %s %s %v", source, target, options)); err != nil {
		return err
	}
	device := source
	fsType := ""
	for _, m := range f.mounts {
		if m.Target == source {
			device, fsType = m.Source, m.FSType
		}
	}
	f.mounts = append(f.mounts, mount.MountInfo{Source: device, Target: target, FSType: fsType, Options: strings.Join(options, ",")})
	return nil
}

func (f *fakeMounter) Unmount(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Unmount " + target); err != nil {
		return err
	}
	kept := f.mounts[:0]
	for _, m := range f.mounts {
		if m.Target != target {
			kept = append(kept, m)
		}
	}
	f.mounts = kept
	return nil
}

func (f *fakeMounter) ListMounts(ctx context.Context) ([]mount.MountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListMounts"); err != nil {
		return nil, err
	}
	return append([]mount.MountInfo(nil), f.mounts...), nil
}

func (f *fakeMounter) IsMountPoint(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IsMountPoint " + path); err != nil {
		return false, err
	}
	_, ok := mount.FindByTarget(f.mounts, path)
	return ok, nil
}

func (f *fakeMounter) IsBlockDevice(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IsBlockDevice " + path); err != nil {
		return false, err
	}
	return f.blockDevices[path], nil
}

func (f *fakeMounter) GetDeviceStats(path string) (*mount.DeviceStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetDeviceStats " + path); err != nil {
		return nil, err
	}
	if f.stats == nil {
		return nil, fmt.Errorf("no stats for %s", path)
	}
	return f.stats, nil
}
