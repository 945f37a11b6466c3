package e2e

import (
	"fmt"
	"sync"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
)

var _ = Describe("Concurrent Operations [E2E-04]", func() {
	const parallel = 5

	// ids collects volume ids written by parallel operations
	type ids struct {
		mu  sync.Mutex
		ids []string
	}
	record := func(c *ids, i int, id string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ids[i] = id
	}

	create := func(name string) (string, error) {
		resp, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               testVolumeName(name),
			CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		if err != nil {
			return "", err
		}
		return resp.GetVolume().GetVolumeId(), nil
	}

	del := func(volumeID string) error {
		_, err := controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		return err
	}

	It("should create distinct images for concurrent CreateVolume calls", func() {
		created := &ids{ids: make([]string, parallel)}

		By(fmt.Sprintf("Creating %d volumes concurrently", parallel))
		errs := fanOut(parallel, func(i int) error {
			id, err := create(fmt.Sprintf("concurrent-%d", i))
			if err != nil {
				return err
			}
			record(created, i, id)
			return nil
		})
		for _, id := range created.ids {
			if id != "" {
				deferDelete(id)
			}
		}
		Expect(errs).To(BeEmpty())

		By("Verifying every volume has its own persistent DATABLOCK image")
		seen := map[string]bool{}
		for i, id := range created.ids {
			Expect(seen).NotTo(HaveKey(id), "volume %d reuses image %s", i, id)
			seen[id] = true

			img := waitForImage(id)
			Expect(img.Name).To(Equal(testVolumeName(fmt.Sprintf("concurrent-%d", i))))
			Expect(img.Type).To(Equal(one.ImageTypeDatablock))
			Expect(img.Persistent).To(BeTrue())
		}
		klog.Infof("Concurrent create test passed: %d volumes created", parallel)
	})

	It("should delete volumes concurrently and tolerate repeated deletes", func() {
		volumeIDs := make([]string, parallel)
		for i := range volumeIDs {
			volumeIDs[i] = createTestVolume(fmt.Sprintf("concurrent-delete-%d", i), smallVolumeSize).GetVolumeId()
		}

		By("Deleting every volume twice in parallel")
		errs := fanOut(2*parallel, func(i int) error {
			return del(volumeIDs[i%parallel])
		})
		Expect(errs).To(BeEmpty())

		for _, id := range volumeIDs {
			waitForImageDeleted(id)
		}
		klog.Infof("Concurrent delete test passed: %d volumes deleted", parallel)
	})

	It("should handle interleaved creates and deletes", func() {
		doomed := make([]string, parallel)
		for i := range doomed {
			doomed[i] = createTestVolume(fmt.Sprintf("mixed-delete-%d", i), smallVolumeSize).GetVolumeId()
		}
		created := &ids{ids: make([]string, parallel)}

		By("Running creates and deletes at the same time")
		errs := fanOut(2*parallel, func(i int) error {
			if i%2 == 1 {
				return del(doomed[i/2])
			}
			id, err := create(fmt.Sprintf("mixed-create-%d", i/2))
			if err != nil {
				return err
			}
			record(created, i/2, id)
			return nil
		})
		for _, id := range created.ids {
			if id != "" {
				deferDelete(id)
			}
		}
		Expect(errs).To(BeEmpty())

		for _, id := range doomed {
			waitForImageDeleted(id)
		}
		for _, id := range created.ids {
			waitForImage(id)
		}
	})

	It("should attach volumes concurrently to one VM while it settles", func() {
		mockOned.SetHotplugSettleCalls(2)
		DeferCleanup(func() { mockOned.SetHotplugSettleCalls(0) })

		volumeIDs := make([]string, parallel)
		for i := range volumeIDs {
			volumeIDs[i] = createTestVolume(fmt.Sprintf("concurrent-attach-%d", i), smallVolumeSize).GetVolumeId()
		}

		By(fmt.Sprintf("Publishing %d volumes to node %s concurrently", parallel, nodeID))
		devices := &ids{ids: make([]string, parallel)}
		errs := fanOut(parallel, func(i int) error {
			resp, err := controllerClient.ControllerPublishVolume(ctx, &csi.ControllerPublishVolumeRequest{
				VolumeId:         volumeIDs[i],
				NodeId:           nodeID,
				VolumeCapability: mountVolumeCapability("ext4"),
			})
			if err != nil {
				return err
			}
			record(devices, i, resp.GetPublishContext()["node_target_path"])
			return nil
		})
		Expect(errs).To(BeEmpty(), "Publishes should settle while the VM is busy")

		By("Verifying every volume got its own device")
		seen := map[string]bool{}
		for i, device := range devices.ids {
			Expect(seen).NotTo(HaveKey(device), "volume %d reuses device %s", i, device)
			seen[device] = true
			img, _ := imageOf(volumeIDs[i])
			Expect(img.AttachedTo(nodeVM)).To(BeTrue())
		}

		By("Detaching all volumes concurrently")
		errs = fanOut(parallel, func(i int) error {
			_, err := controllerClient.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
				VolumeId: volumeIDs[i],
				NodeId:   nodeID,
			})
			return err
		})
		Expect(errs).To(BeEmpty())
		for _, id := range volumeIDs {
			img, _ := imageOf(id)
			Expect(img.VMs).To(BeEmpty())
		}
	})
})
