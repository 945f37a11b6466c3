package e2e

import (
	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// publishToNode attaches a volume to the node VM and returns its publish context
func publishToNode(volumeID string) map[string]string {
	resp, err := controllerClient.ControllerPublishVolume(ctx, &csi.ControllerPublishVolumeRequest{
		VolumeId:         volumeID,
		NodeId:           nodeID,
		VolumeCapability: mountVolumeCapability("ext4"),
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return resp.GetPublishContext()
}

// stageOnNode stages a published volume at its staging path
func stageOnNode(volumeID string, publishContext map[string]string) error {
	_, err := nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
		VolumeId:          volumeID,
		PublishContext:    publishContext,
		StagingTargetPath: stagingPath(volumeID),
		VolumeCapability:  mountVolumeCapability("ext4"),
	})
	return err
}

func unstageFromNode(volumeID string) {
	_, err := nodeClient.NodeUnstageVolume(ctx, &csi.NodeUnstageVolumeRequest{
		VolumeId:          volumeID,
		StagingTargetPath: stagingPath(volumeID),
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

func unpublishFromNode(volumeID string) {
	_, err := controllerClient.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
		VolumeId: volumeID,
		NodeId:   nodeID,
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

var _ = Describe("Volume Lifecycle [E2E-01]", func() {
	It("should complete full volume lifecycle (create, attach, stage, publish, unpublish, unstage, detach, delete)", func() {
		var volumeID string

		By("Step 1: Creating volume via CreateVolume")
		createResp, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               testVolumeName("lifecycle"),
			CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		Expect(err).NotTo(HaveOccurred())
		volumeID = createResp.GetVolume().GetVolumeId()
		Expect(createResp.GetVolume().GetCapacityBytes()).To(Equal(int64(smallVolumeSize)))
		deferDelete(volumeID)
		klog.Infof("Created volume: %s", volumeID)

		By("Step 2: Verifying the image on the mock frontend")
		img := waitForImage(volumeID)
		Expect(img.Name).To(Equal(testVolumeName("lifecycle")))
		Expect(img.SizeMB).To(Equal(int64(1024)))
		Expect(img.IsVolume()).To(BeTrue())

		By("Step 3: Attaching volume via ControllerPublishVolume")
		publishContext := publishToNode(volumeID)
		Expect(publishContext).To(HaveKeyWithValue("readonly", "false"))
		device := publishContext["node_target_path"]
		Expect(device).To(HavePrefix("/dev/vd"))
		img, _ = imageOf(volumeID)
		Expect(img.AttachedTo(nodeVM)).To(BeTrue())

		By("Step 4: Staging volume via NodeStageVolume")
		Expect(stageOnNode(volumeID, publishContext)).To(Succeed())
		Expect(mockMounter.IsMounted(stagingPath(volumeID))).To(BeTrue())
		Expect(mockMounter.GetFormatCalls()).To(ContainElement(HaveField("Device", device)))

		By("Step 5: Publishing volume via NodePublishVolume")
		pubPath := publishPath(volumeID)
		_, err = nodeClient.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
			TargetPath:        pubPath,
			VolumeCapability:  mountVolumeCapability("ext4"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mockMounter.IsMounted(pubPath)).To(BeTrue())

		By("Step 6: Reading volume stats")
		stats, err := nodeClient.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{
			VolumeId:   volumeID,
			VolumePath: pubPath,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.GetUsage()).To(HaveLen(2))
		Expect(stats.GetUsage()[0].GetTotal()).To(Equal(int64(smallVolumeSize)))

		By("Step 7: Unpublishing volume via NodeUnpublishVolume")
		_, err = nodeClient.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{
			VolumeId:   volumeID,
			TargetPath: pubPath,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mockMounter.IsMounted(pubPath)).To(BeFalse())

		By("Step 8: Unstaging volume via NodeUnstageVolume")
		unstageFromNode(volumeID)
		Expect(mockMounter.IsMounted(stagingPath(volumeID))).To(BeFalse())

		By("Step 9: Detaching volume via ControllerUnpublishVolume")
		unpublishFromNode(volumeID)
		img, _ = imageOf(volumeID)
		Expect(img.VMs).To(BeEmpty())

		By("Step 10: Deleting volume via DeleteVolume")
		_, err = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		Expect(err).NotTo(HaveOccurred())
		waitForImageDeleted(volumeID)

		klog.Infof("Volume lifecycle test completed successfully for %s", volumeID)
	})

	It("should keep the filesystem across detach and reattach", func() {
		vol := createTestVolume("reattach", smallVolumeSize)
		volumeID := vol.GetVolumeId()

		By("Staging the volume for the first time")
		Expect(stageOnNode(volumeID, publishToNode(volumeID))).To(Succeed())
		formats := len(mockMounter.GetFormatCalls())
		unstageFromNode(volumeID)
		unpublishFromNode(volumeID)

		By("Staging the volume again")
		Expect(stageOnNode(volumeID, publishToNode(volumeID))).To(Succeed())
		Expect(mockMounter.GetFormatCalls()).To(HaveLen(formats), "An existing filesystem must not be formatted again")
		unstageFromNode(volumeID)
		unpublishFromNode(volumeID)
	})

	It("should refuse to delete an attached volume", func() {
		vol := createTestVolume("delete-attached", smallVolumeSize)
		volumeID := vol.GetVolumeId()
		publishToNode(volumeID)

		_, err := controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		Expect(status.Code(err)).To(Equal(codes.FailedPrecondition))

		unpublishFromNode(volumeID)
		_, err = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should handle CreateVolume idempotency", func() {
		volumeName := testVolumeName("idempotent")

		By("Creating volume first time")
		resp1, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               volumeName,
			CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		Expect(err).NotTo(HaveOccurred())
		volumeID := resp1.Volume.VolumeId
		deferDelete(volumeID)

		By("Creating same volume again (idempotent)")
		resp2, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               volumeName,
			CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp2.Volume.VolumeId).To(Equal(volumeID), "Idempotent create should return same volume ID")

		By("Creating same name with another size")
		_, err = controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               volumeName,
			CapacityRange:      &csi.CapacityRange{RequiredBytes: mediumVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		Expect(status.Code(err)).To(Equal(codes.AlreadyExists))
	})

	It("should handle DeleteVolume idempotency", func() {
		resp, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
			Name:               testVolumeName("delete-idempotent"),
			CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
			VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
		})
		Expect(err).NotTo(HaveOccurred())
		volumeID := resp.Volume.VolumeId

		_, err = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		Expect(err).NotTo(HaveOccurred())

		By("Deleting same volume again (idempotent)")
		_, err = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
		Expect(err).NotTo(HaveOccurred(), "Idempotent delete should succeed")
	})
})
