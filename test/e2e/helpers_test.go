package e2e

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
)

// Constants for test configuration
const (
	GiB            = 1024 * 1024 * 1024
	MiB            = 1024 * 1024
	defaultTimeout = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// Test volume sizes for different scenarios
const (
	smallVolumeSize  = 1 * GiB
	mediumVolumeSize = 5 * GiB
	largeVolumeSize  = 10 * GiB
)

// testVolumeName creates a unique volume name for the current test
// by prepending the test run ID to ensure isolation between test runs
func testVolumeName(name string) string {
	return fmt.Sprintf("%s-%s", testRunID, name)
}

// stagingPath is where NodeStageVolume mounts a volume
func stagingPath(volumeID string) string {
	return filepath.Join(workDir, "staging", volumeID)
}

// publishPath is where NodePublishVolume bind-mounts a volume
func publishPath(volumeID string) string {
	return filepath.Join(workDir, "publish", volumeID, "mount")
}

// mountVolumeCapability returns a mount volume capability with SINGLE_NODE_WRITER access mode
func mountVolumeCapability(fsType string) *csi.VolumeCapability {
	return &csi.VolumeCapability{
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
		AccessType: &csi.VolumeCapability_Mount{
			Mount: &csi.VolumeCapability_MountVolume{
				FsType: fsType,
			},
		},
	}
}

// createTestVolume creates an ext4 volume and deletes it when the spec ends
func createTestVolume(name string, size int64) *csi.Volume {
	resp, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
		Name:               testVolumeName(name),
		CapacityRange:      &csi.CapacityRange{RequiredBytes: size},
		VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	volumeID := resp.GetVolume().GetVolumeId()

	deferDelete(volumeID)
	return resp.GetVolume()
}

// deferDelete removes the image of a volume at the end of the spec, detaching
// it from the node first if a spec left it attached
func deferDelete(volumeID string) {
	DeferCleanup(func() {
		_, _ = controllerClient.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
			VolumeId: volumeID,
			NodeId:   nodeID,
		})
		_, _ = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
	})
}

// imageOf returns the image backing a volume on the mock frontend
func imageOf(volumeID string) (one.Image, bool) {
	id, err := strconv.Atoi(volumeID)
	if err != nil {
		return one.Image{}, false
	}
	return mockOned.Backend().Image(id)
}

// waitForImage waits for the image of a volume to exist on the mock frontend
func waitForImage(volumeID string) one.Image {
	EventuallyWithOffset(1, func() bool {
		_, exists := imageOf(volumeID)
		return exists
	}, defaultTimeout, pollInterval).Should(BeTrue(), "Image of volume %s should exist", volumeID)
	img, _ := imageOf(volumeID)
	return img
}

// waitForImageDeleted waits for the image of a volume to be gone
func waitForImageDeleted(volumeID string) {
	EventuallyWithOffset(1, func() bool {
		_, exists := imageOf(volumeID)
		return !exists
	}, defaultTimeout, pollInterval).Should(BeTrue(), "Image of volume %s should be deleted", volumeID)
}

// fanOut runs op for 0..n-1 in parallel and returns the errors that occurred
func fanOut(n int, op func(i int) error) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer GinkgoRecover()
			defer wg.Done()
			if err := op(i); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("operation %d: %w", i, err))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return errs
}
