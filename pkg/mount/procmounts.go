package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

const (
	// ProcmountsTimeout is the maximum time to wait for /proc/self/mountinfo parsing
	ProcmountsTimeout = 10 * time.Second
)

// MountInfo represents a single mount point entry from /proc/self/mountinfo
type MountInfo struct {
	// Source is the device or source path
	Source string

	// Target is the mount point path
	Target string

	// FSType is the filesystem type
	FSType string

	// Options are the per-mount options, e.g. "rw,relatime"
	Options string

	// SuperOptions are the superblock options, e.g. "rw,discard"
	SuperOptions string
}

// OptionList returns the per-mount and superblock options.
func (mi MountInfo) OptionList() []string {
	var opts []string
	for _, s := range []string{mi.Options, mi.SuperOptions} {
		if s != "" {
			opts = append(opts, strings.Split(s, ",")...)
		}
	}
	return opts
}

// HasOptions reports whether every option in want is set on the mount,
// either per mount or on the superblock.
func (mi MountInfo) HasOptions(want []string) bool {
	have := make(map[string]struct{})
	for _, o := range mi.OptionList() {
		have[o] = struct{}{}
	}
	for _, o := range want {
		if _, ok := have[o]; !ok {
			return false
		}
	}
	return true
}

// getMounts is replaced in tests
var getMounts = func() ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(nil)
}

// ListMounts parses the mount table with a timeout to prevent hangs on
// unresponsive filesystems.
func (m *mounter) ListMounts(ctx context.Context) ([]MountInfo, error) {
	return ListMounts(ctx)
}

// ListMounts returns the current mount table of the process.
func ListMounts(ctx context.Context) ([]MountInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcmountsTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := getMounts()
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read mount table: %w", res.err)
		}
		mounts := make([]MountInfo, 0, len(res.mounts))
		for _, mi := range res.mounts {
			mounts = append(mounts, ConvertMobyMount(mi))
		}
		klog.V(5).Infof("Read %d mount points", len(mounts))
		return mounts, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("reading the mount table timed out: %w", ctx.Err())
	}
}

// FindByTarget returns the mount whose target is path.
func FindByTarget(mounts []MountInfo, path string) (MountInfo, bool) {
	for _, mi := range mounts {
		if mi.Target == path {
			return mi, true
		}
	}
	return MountInfo{}, false
}

// FindBySource returns the first mount of device.
func FindBySource(mounts []MountInfo, device string) (MountInfo, bool) {
	for _, mi := range mounts {
		if mi.Source == device {
			return mi, true
		}
	}
	return MountInfo{}, false
}

// IsMountPoint checks if a path is a mount point. A missing path is not.
func (m *mounter) IsMountPoint(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check mount point %s: %w", path, err)
	}
	return mounted, nil
}

// ConvertMobyMount converts moby/sys/mountinfo.Info to our MountInfo type
func ConvertMobyMount(m *mountinfo.Info) MountInfo {
	return MountInfo{
		Source:       m.Source,
		Target:       m.Mountpoint,
		FSType:       m.FSType,
		Options:      m.Options,
		SuperOptions: m.VFSOptions,
	}
}
