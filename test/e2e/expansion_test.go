package e2e

import (
	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/test/mock"
)

var _ = Describe("Volume Expansion [E2E-03]", func() {
	It("should expand an unattached volume offline through the controller VM", func() {
		vol := createTestVolume("expansion-offline", smallVolumeSize)
		volumeID := vol.GetVolumeId()
		waitForImage(volumeID)

		By("Expanding volume via ControllerExpandVolume")
		expandResp, err := controllerClient.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
			VolumeId:      volumeID,
			CapacityRange: &csi.CapacityRange{RequiredBytes: 2 * GiB},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(expandResp.GetCapacityBytes()).To(Equal(int64(2 * GiB)))
		Expect(expandResp.GetNodeExpansionRequired()).To(BeFalse())

		By("Verifying the image grew and is no longer attached")
		img, _ := imageOf(volumeID)
		Expect(img.SizeMB).To(Equal(int64(2048)))
		Expect(img.VMs).To(BeEmpty())

		klog.Infof("Offline expansion test passed for %s", volumeID)
	})

	It("should expand an attached volume online and grow the filesystem on the node", func() {
		vol := createTestVolume("expansion-online", smallVolumeSize)
		volumeID := vol.GetVolumeId()

		By("Attaching and staging the volume")
		Expect(stageOnNode(volumeID, publishToNode(volumeID))).To(Succeed())
		DeferCleanup(func() { unstageFromNode(volumeID) })

		By("Expanding volume via ControllerExpandVolume")
		expandResp, err := controllerClient.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
			VolumeId:         volumeID,
			CapacityRange:    &csi.CapacityRange{RequiredBytes: 2 * GiB},
			VolumeCapability: mountVolumeCapability("ext4"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(expandResp.GetNodeExpansionRequired()).To(BeTrue(),
			"Online expansion should require node expansion for filesystem resize")

		img, _ := imageOf(volumeID)
		Expect(img.SizeMB).To(Equal(int64(2048)))
		fsSize, ok := mockMounter.FilesystemSizeMB(volumeID)
		Expect(ok).To(BeTrue())
		Expect(fsSize).To(Equal(int64(1024)), "Filesystem grows only on NodeExpandVolume")

		By("Growing the filesystem via NodeExpandVolume")
		_, err = nodeClient.NodeExpandVolume(ctx, &csi.NodeExpandVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
			CapacityRange:     &csi.CapacityRange{RequiredBytes: 2 * GiB},
		})
		Expect(err).NotTo(HaveOccurred())

		fsSize, _ = mockMounter.FilesystemSizeMB(volumeID)
		Expect(fsSize).To(Equal(int64(2048)))
	})

	It("should handle expansion to same size (idempotent)", func() {
		vol := createTestVolume("expansion-idempotent", mediumVolumeSize)

		expandResp, err := controllerClient.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
			VolumeId:      vol.GetVolumeId(),
			CapacityRange: &csi.CapacityRange{RequiredBytes: mediumVolumeSize},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(expandResp.GetCapacityBytes()).To(Equal(int64(mediumVolumeSize)))
		Expect(expandResp.GetNodeExpansionRequired()).To(BeFalse())
	})

	It("should report OutOfRange and detach when the datastore is full", func() {
		vol := createTestVolume("expansion-full", smallVolumeSize)
		volumeID := vol.GetVolumeId()

		mockOned.Errors().SetMode(mock.ErrorModeDatastoreFull, 0)
		DeferCleanup(func() { mockOned.Errors().SetMode(mock.ErrorModeNone, 0) })

		_, err := controllerClient.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
			VolumeId:      volumeID,
			CapacityRange: &csi.CapacityRange{RequiredBytes: largeVolumeSize},
		})
		Expect(status.Code(err)).To(Equal(codes.OutOfRange))

		img, _ := imageOf(volumeID)
		Expect(img.SizeMB).To(Equal(int64(1024)))
		Expect(img.AttachedTo(controllerVM)).To(BeFalse(), "Failed offline resize must not leave the image on the controller VM")
	})

	It("should report NotFound for a missing volume", func() {
		_, err := controllerClient.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
			VolumeId:      "999999",
			CapacityRange: &csi.CapacityRange{RequiredBytes: smallVolumeSize},
		})
		Expect(status.Code(err)).To(Equal(codes.NotFound))
	})
})
